package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"oagw/pkg/oagwsdk"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "route-list":
		return routeList(args[1:], out)
	case "route-add":
		return routeAdd(args[1:], out)
	case "route-rm":
		return routeRm(args[1:], out)
	case "reload":
		return reload(args[1:], out)
	case "invoke":
		return invoke(args[1:], out)
	case "stream":
		return streamCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "oagwctl commands:")
	fmt.Fprintln(out, "  route-list")
	fmt.Fprintln(out, "  route-add --alias billing --upstream http://billing:8080 [--protocol rest] [--timeout-ms 30000] [--rate-limit 0] [--rate-window-sec 60] [--rate-headers]")
	fmt.Fprintln(out, "  route-rm --alias billing")
	fmt.Fprintln(out, "  reload")
	fmt.Fprintln(out, "  invoke --alias billing --path /v1/invoices [--method POST] [--data '{...}']")
	fmt.Fprintln(out, "  stream --alias chat --path /v1/completions [--method POST] [--data '{...}']")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// gatewayFlags registers the connection flags shared by every subcommand.
func gatewayFlags(fs *flag.FlagSet) (gateway, token, adminToken *string) {
	gateway = fs.String("gateway", env("OAGW_URL", "http://localhost:8080"), "gateway base URL")
	token = fs.String("token", os.Getenv("OAGW_TOKEN"), "tenant bearer token")
	adminToken = fs.String("admin-token", os.Getenv("OAGW_ADMIN_TOKEN"), "admin bearer token")
	return gateway, token, adminToken
}

func newSDKClient(gateway, token, adminToken string) *oagwsdk.Client {
	client := oagwsdk.NewClient(gateway, 30*time.Second)
	client.AuthToken = token
	client.AdminToken = adminToken
	return client
}

func routeList(args []string, out io.Writer) error {
	fs := newFlagSet("route-list")
	gateway, token, adminToken := gatewayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client := newSDKClient(*gateway, *token, *adminToken)
	list, err := client.ListRoutes(context.Background())
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no routes configured")
		return nil
	}
	for _, r := range list {
		limit := "off"
		if r.RateLimit.PerWindow > 0 {
			limit = fmt.Sprintf("%d/%s", r.RateLimit.PerWindow, r.RateLimit.Window)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\ttimeout=%s\trate-limit=%s\n", r.Alias, r.Protocol, r.Upstream, r.Timeout, limit)
	}
	return nil
}

func routeAdd(args []string, out io.Writer) error {
	fs := newFlagSet("route-add")
	gateway, token, adminToken := gatewayFlags(fs)
	alias := fs.String("alias", "", "route alias")
	upstream := fs.String("upstream", "", "upstream base URL or grpc host:port")
	protocol := fs.String("protocol", "rest", "upstream protocol (rest or grpc)")
	timeoutMS := fs.Int64("timeout-ms", 30000, "per-request upstream timeout in milliseconds")
	rateLimit := fs.Int("rate-limit", 0, "admitted requests per window, 0 disables")
	rateWindowSec := fs.Int("rate-window-sec", 60, "rate limit window in seconds")
	rateHeaders := fs.Bool("rate-headers", false, "expose X-RateLimit response headers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" || *upstream == "" {
		return errors.New("alias and upstream required")
	}
	client := newSDKClient(*gateway, *token, *adminToken)
	cfg := oagwsdk.RouteConfig{
		Upstream:           *upstream,
		Protocol:           *protocol,
		TimeoutMS:          *timeoutMS,
		RateLimitPerWindow: *rateLimit,
		RateLimitWindowSec: *rateWindowSec,
		RateLimitHeaders:   *rateHeaders,
	}
	if err := client.UpsertRoute(context.Background(), *alias, cfg); err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	fmt.Fprintf(out, "route %s -> %s saved\n", strings.ToLower(strings.TrimSpace(*alias)), *upstream)
	return nil
}

func routeRm(args []string, out io.Writer) error {
	fs := newFlagSet("route-rm")
	gateway, token, adminToken := gatewayFlags(fs)
	alias := fs.String("alias", "", "route alias")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" {
		return errors.New("alias required")
	}
	client := newSDKClient(*gateway, *token, *adminToken)
	if err := client.DeleteRoute(context.Background(), *alias); err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	fmt.Fprintf(out, "route %s removed\n", strings.ToLower(strings.TrimSpace(*alias)))
	return nil
}

func reload(args []string, out io.Writer) error {
	fs := newFlagSet("reload")
	gateway, token, adminToken := gatewayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client := newSDKClient(*gateway, *token, *adminToken)
	if err := client.ReloadRoutes(context.Background()); err != nil {
		return fmt.Errorf("reload routes: %w", err)
	}
	fmt.Fprintln(out, "routes reloaded")
	return nil
}

func invoke(args []string, out io.Writer) error {
	fs := newFlagSet("invoke")
	gateway, token, adminToken := gatewayFlags(fs)
	alias := fs.String("alias", "", "route alias")
	path := fs.String("path", "/", "upstream path")
	method := fs.String("method", "GET", "HTTP method")
	data := fs.String("data", "", "request body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" {
		return errors.New("alias required")
	}
	client := newSDKClient(*gateway, *token, *adminToken)
	var body []byte
	if *data != "" {
		body = []byte(*data)
	}
	resp, err := client.Invoke(context.Background(), strings.ToUpper(*method), *alias, *path, body)
	if err != nil {
		var gwErr *oagwsdk.Error
		if errors.As(err, &gwErr) {
			origin := "gateway"
			if gwErr.Upstream() {
				origin = "upstream"
			}
			fmt.Fprintf(out, "error (%s): %s\n", origin, gwErr.Message)
			if len(gwErr.Body) > 0 {
				writeBody(out, gwErr.Body)
			}
		}
		return fmt.Errorf("invoke: %w", err)
	}
	fmt.Fprintf(out, "status: %d\n", resp.Status)
	writeBody(out, resp.Body)
	return nil
}

func streamCmd(args []string, out io.Writer) error {
	fs := newFlagSet("stream")
	gateway, token, adminToken := gatewayFlags(fs)
	alias := fs.String("alias", "", "route alias")
	path := fs.String("path", "/", "upstream path")
	method := fs.String("method", "POST", "HTTP method")
	data := fs.String("data", "", "request body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" {
		return errors.New("alias required")
	}
	client := newSDKClient(*gateway, *token, *adminToken)
	var body []byte
	if *data != "" {
		body = []byte(*data)
	}
	err := client.Stream(context.Background(), strings.ToUpper(*method), *alias, *path, body, func(ev oagwsdk.StreamEvent) {
		if ev.Event != "" {
			fmt.Fprintf(out, "event: %s\n", ev.Event)
		}
		fmt.Fprintf(out, "data: %s\n", ev.Data)
	})
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

// writeBody prints a response body, pretty-printing JSON when it parses.
func writeBody(out io.Writer, body []byte) {
	var buf bytes.Buffer
	if json.Indent(&buf, body, "", "  ") == nil {
		fmt.Fprintln(out, buf.String())
		return
	}
	fmt.Fprintln(out, strings.TrimRight(string(body), "\n"))
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
