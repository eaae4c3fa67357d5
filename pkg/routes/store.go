package routes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type routeDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists the route table. Aliases are unique per deployment; the
// registry is rebuilt from Load after any mutation.
type Store struct {
	DB routeDB
}

func (s *Store) Load(ctx context.Context) ([]Route, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT alias, upstream, protocol, timeout_ms, rl_per_window, rl_window_sec, rl_headers
		FROM oagw_routes ORDER BY alias
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Route
	for rows.Next() {
		var (
			route       Route
			protocol    string
			timeoutMS   int64
			rlPerWindow int
			rlWindowSec int
			rlHeaders   bool
		)
		if err := rows.Scan(&route.Alias, &route.Upstream, &protocol, &timeoutMS, &rlPerWindow, &rlWindowSec, &rlHeaders); err != nil {
			return nil, err
		}
		kind, err := ParseProtocol(protocol)
		if err != nil {
			continue
		}
		route.Protocol = kind
		route.Timeout = time.Millisecond * time.Duration(timeoutMS)
		route.RateLimit = RateLimitPolicy{
			PerWindow: rlPerWindow,
			Window:    time.Second * time.Duration(rlWindowSec),
			Headers:   rlHeaders,
		}
		out = append(out, route)
	}
	return out, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, route Route) error {
	alias := strings.ToLower(strings.TrimSpace(route.Alias))
	if alias == "" {
		return errors.New("alias required")
	}
	if strings.TrimSpace(route.Upstream) == "" {
		return errors.New("upstream required")
	}
	if route.Protocol != ProtocolREST && route.Protocol != ProtocolGRPC {
		return errors.New("protocol must be rest or grpc")
	}
	timeoutMS := route.Timeout.Milliseconds()
	if timeoutMS <= 0 {
		timeoutMS = 30000
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO oagw_routes (alias, upstream, protocol, timeout_ms, rl_per_window, rl_window_sec, rl_headers, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())
		ON CONFLICT (alias) DO UPDATE
		SET upstream=EXCLUDED.upstream, protocol=EXCLUDED.protocol, timeout_ms=EXCLUDED.timeout_ms,
		    rl_per_window=EXCLUDED.rl_per_window, rl_window_sec=EXCLUDED.rl_window_sec,
		    rl_headers=EXCLUDED.rl_headers, updated_at=now()
	`, alias, strings.TrimSpace(route.Upstream), string(route.Protocol), timeoutMS,
		route.RateLimit.PerWindow, int(route.RateLimit.Window.Seconds()), route.RateLimit.Headers)
	return err
}

func (s *Store) Delete(ctx context.Context, alias string) error {
	cmd, err := s.DB.Exec(ctx, `DELETE FROM oagw_routes WHERE alias=$1`, strings.ToLower(strings.TrimSpace(alias)))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
