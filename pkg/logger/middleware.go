package logger

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// execNote is filled in by an exec handler and read back by Middleware once
// the handler returns.
type execNote struct {
	rule string
	code int
	set  bool
}

type noteKey struct{}

// NoteExec records the rule a request ran and the status code it ended with.
// Outside Middleware it does nothing.
func NoteExec(ctx context.Context, rule string, code int) {
	if n, ok := ctx.Value(noteKey{}).(*execNote); ok {
		n.rule, n.code, n.set = rule, code, true
	}
}

// Middleware writes one log line per request. Requests that ran a rule carry
// its name and status code, and a failed rule is logged as a warning even
// when the HTTP status is 200.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		note := &execNote{}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), noteKey{}, note)))

		level := slog.LevelInfo
		if ww.Status() >= 500 {
			level = slog.LevelError
		} else if ww.Status() >= 400 {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("latency", time.Since(start)),
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		msg := "http request"
		if note.set {
			msg = "rule request"
			attrs = append(attrs, slog.String("rule", note.rule), slog.Int("code", note.code))
			if note.code != 0 && level < slog.LevelWarn {
				level = slog.LevelWarn
			}
		}
		Log.LogAttrs(r.Context(), level, msg, attrs...)
	})
}
