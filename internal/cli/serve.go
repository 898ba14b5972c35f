package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nre/pkg/fastjson"
	"nre/pkg/logger"
	"nre/pkg/metrics"
	"nre/pkg/middleware"
	"nre/pkg/rerr"
	"nre/pkg/value"
	"nre/pkg/worker"
)

// execBody is the request of the execution endpoints.
type execBody struct {
	Args     []interface{}     `json:"args"`
	Session  map[string]string `json:"session"`
	Actions  string            `json:"actions"`
	RuleBase string            `json:"rule_base"`
}

// Server exposes rule execution over HTTP against the current context of
// src.
type Server struct {
	src    worker.Source
	secret []byte
	log    *slog.Logger

	// Block, when set, rejects listed clients before anything else runs.
	Block    *middleware.BlockList
	Compress bool
}

func NewServer(src worker.Source, secret string, log *slog.Logger) *Server {
	return &Server{src: src, secret: []byte(secret), log: logger.Or(log)}
}

// Router builds the HTTP surface. rateLimit is requests per minute and per
// client address; zero disables limiting.
func (s *Server) Router(rateLimit int) http.Handler {
	r := chi.NewRouter()
	if s.Block != nil {
		r.Use(s.Block.Handler)
	}
	r.Use(chimw.RequestID)
	r.Use(logger.Middleware)
	r.Use(metrics.Middleware)
	r.Use(chimw.Recoverer)
	if s.Compress {
		r.Use(middleware.Brotli)
	}
	if rateLimit > 0 {
		r.Use(httprate.LimitByIP(rateLimit, time.Minute))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/rules", s.listRules)
		r.Post("/rules/{name}/exec", s.execRule)
		r.Post("/exec", s.execActions)
	})
	return r
}

// auth checks the bearer token when a secret is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fastjson.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	rc := s.src.Context()
	if rc == nil {
		writeError(w, http.StatusServiceUnavailable, "no rule base loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"rule_base":  rc.RuleBase,
		"updated_at": rc.UpdatedAt,
	})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rc := s.src.Context()
	if rc == nil {
		writeError(w, http.StatusServiceUnavailable, "no rule base loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule_base": rc.RuleBase,
		"core":      rc.Core.Names(),
		"app":       rc.App.Names(),
	})
}

// httpValue converts a decoded JSON argument. Numbers keep their integer
// form when they have one.
func httpValue(x interface{}) value.Value {
	switch t := x.(type) {
	case fastjson.Number:
		return cliValue(t.String())
	case []interface{}:
		items := make([]value.Value, len(t))
		for i, e := range t {
			items[i] = httpValue(e)
		}
		return value.List(items...)
	}
	return value.FromNative(x)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (execBody, bool) {
	var body execBody
	dec := fastjson.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return body, false
	}
	return body, true
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req runRequest, args []value.Value) {
	rc := s.src.Context()
	if rc == nil {
		writeError(w, http.StatusServiceUnavailable, "no rule base loaded")
		return
	}
	if req.RuleBase != "" && req.RuleBase != rc.RuleBase {
		writeError(w, http.StatusConflict, fmt.Sprintf("serving rule base %s, not %s", rc.RuleBase, req.RuleBase))
		return
	}
	res, err := executeValues(r.Context(), rc, req, args)
	name := req.Rule
	if name == "" {
		name = "<actions>"
	}
	logger.NoteExec(r.Context(), name, int(rerr.CodeOf(err)))
	status := http.StatusOK
	switch {
	case err == nil:
	case rerr.CodeOf(err) == rerr.NoRuleFound:
		status = http.StatusNotFound
	default:
		status = http.StatusUnprocessableEntity
		s.log.Info("rule execution failed", "rule", req.Rule, "error", err)
	}
	writeJSON(w, status, res)
}

func (s *Server) execRule(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	args := make([]value.Value, len(body.Args))
	for i, a := range body.Args {
		args[i] = httpValue(a)
	}
	s.run(w, r, runRequest{
		Rule:     chi.URLParam(r, "name"),
		Session:  body.Session,
		RuleBase: body.RuleBase,
	}, args)
}

func (s *Server) execActions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	if body.Actions == "" {
		writeError(w, http.StatusBadRequest, "actions is required")
		return
	}
	s.run(w, r, runRequest{
		Actions:  body.Actions,
		Session:  body.Session,
		RuleBase: body.RuleBase,
	}, nil)
}

// serve runs the HTTP server, the rule base watcher and, when enabled, the
// background worker until ctx is done.
func serve(ctx context.Context, rt *Runtime, ln net.Listener) error {
	holder, err := rt.Holder(ctx)
	if err != nil {
		return err
	}
	if rt.Cfg.APISecret == "" {
		rt.Log.Warn("NRE_API_SECRET is empty, execution endpoints are unauthenticated")
	}

	var wg sync.WaitGroup
	bg, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()
	if rt.Cfg.ReloadEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			holder.Watch(bg, rt.Cfg.ReloadEvery)
		}()
	}
	if rt.Cfg.WorkerEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Start(bg, holder, jobQueue(rt), rt.Cfg.WorkerQueues, rt.Log)
		}()
	}

	api := NewServer(holder, rt.Cfg.APISecret, rt.Log)
	api.Compress = rt.Cfg.Compress
	if api.Block, err = blockList(rt); err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           api.Router(rt.Cfg.RateLimit),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		rt.Log.Info("rule engine ready", "addr", ln.Addr().String(), "rule_base", holder.Context().RuleBase)
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	rt.Log.Info("shutting down server")
	shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdown); err != nil {
		return fmt.Errorf("server forced shutdown: %w", err)
	}
	rt.Log.Info("server stopped")
	return nil
}

// blockList collects the configured blocked clients, or returns nil when
// there are none.
func blockList(rt *Runtime) (*middleware.BlockList, error) {
	if len(rt.Cfg.BlockedIPs) == 0 && rt.Cfg.BlocklistFile == "" {
		return nil, nil
	}
	b := middleware.NewBlockList(rt.Log)
	for _, e := range rt.Cfg.BlockedIPs {
		if err := b.Add(e); err != nil {
			return nil, err
		}
	}
	if rt.Cfg.BlocklistFile != "" {
		if err := b.LoadFile(rt.Cfg.BlocklistFile); err != nil {
			return nil, err
		}
	}
	rt.Log.Info("client blocklist loaded", "entries", b.Len())
	return b, nil
}

// jobQueue returns nil when no database queue is available, which the
// worker reports and ignores.
func jobQueue(rt *Runtime) worker.JobQueue {
	if rt.Queue == nil {
		return nil
	}
	return rt.Queue
}

// HandleServe starts the HTTP surface.
func HandleServe(args []string) {
	cfg := setup()
	if len(args) >= 2 && args[0] == "--addr" {
		cfg.HTTPAddr = args[1]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := openOrExit(ctx, cfg, true)
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		rt.Close()
		fmt.Fprintf(os.Stderr, "❌ Failed to listen on %s: %v\n", cfg.HTTPAddr, err)
		fmt.Fprintln(os.Stderr, "Change NRE_HTTP_ADDR or stop the process using the port.")
		os.Exit(1)
	}
	err = serve(ctx, rt, ln)
	if cerr := rt.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Server Error: %v\n", err)
		os.Exit(1)
	}
}
