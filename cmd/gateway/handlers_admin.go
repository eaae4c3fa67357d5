package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"oagw/pkg/httpx"
	"oagw/pkg/routes"
	"oagw/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type routePayload struct {
	Upstream    string `json:"upstream"`
	Protocol    string `json:"protocol"`
	TimeoutMS   int64  `json:"timeout_ms"`
	RatePerWin  int    `json:"rate_limit_per_window"`
	RateWinSec  int    `json:"rate_limit_window_sec"`
	RateHeaders bool   `json:"rate_limit_headers"`
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	list, err := s.RouteStore.Load(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "route store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"routes": list})
}

func (s *Server) upsertRoute(w http.ResponseWriter, r *http.Request) {
	var payload routePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	protocol, err := routes.ParseProtocol(payload.Protocol)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	route := routes.Route{
		Alias:    chi.URLParam(r, "alias"),
		Upstream: payload.Upstream,
		Protocol: protocol,
		Timeout:  time.Millisecond * time.Duration(payload.TimeoutMS),
		RateLimit: routes.RateLimitPolicy{
			PerWindow: payload.RatePerWin,
			Window:    time.Second * time.Duration(payload.RateWinSec),
			Headers:   payload.RateHeaders,
		},
	}
	if err := s.RouteStore.Upsert(r.Context(), route); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.reloadRoutes(r.Context()); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "route saved but reload failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "alias": strings.ToLower(strings.TrimSpace(route.Alias))})
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if err := s.RouteStore.Delete(r.Context(), alias); err != nil {
		if err == routes.ErrNotFound {
			httpx.Error(w, http.StatusNotFound, "route not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "route store unavailable")
		return
	}
	if err := s.reloadRoutes(r.Context()); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "route deleted but reload failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) triggerReload(w http.ResponseWriter, r *http.Request) {
	if err := s.reloadRoutes(r.Context()); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "reload failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "routes": s.Routes.Len()})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
