package logger

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
)

func TestSetupToJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupTo(&buf, "production", slog.LevelInfo)
	Log.Debug("hidden")
	Log.Info("rule executed", "rule", "acPostProcForPut")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"rule":"acPostProcForPut"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	SetupTo(&buf, "development", slog.LevelDebug)
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rules/x/exec", nil))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "status=404")
	assert.Contains(t, buf.String(), `msg="http request"`)
	assert.NotContains(t, buf.String(), "rule=")
}

func TestMiddlewareLogsRule(t *testing.T) {
	var buf bytes.Buffer
	SetupTo(&buf, "development", slog.LevelDebug)
	h := middleware.RequestID(Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NoteExec(r.Context(), "route", -1101000)
		w.WriteHeader(http.StatusOK)
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rules/route/exec", nil))

	out := buf.String()
	assert.Contains(t, out, `msg="rule request"`)
	assert.Contains(t, out, "rule=route")
	assert.Contains(t, out, "code=-1101000")
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "request_id=")

	NoteExec(context.Background(), "ignored", 1)
}
