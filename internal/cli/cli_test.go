package cli

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nre/internal/config"
	"nre/pkg/dbmanager"
	"nre/pkg/engine"
	"nre/pkg/fastjson"
	"nre/pkg/logger"
	"nre/pkg/middleware"
	"nre/pkg/parser"
	"nre/pkg/rerr"
	"nre/pkg/ruleindex"
	"nre/pkg/value"
)

const coreSrc = `
greet(*who) { writeLine("stdout", "hello *who") }
check(*X): *X > 0 { "positive" } else { "nonpositive" }
`

const siteSrc = `
double(*x) = *x * 2
inc(*x, *y) { *y = *x + 1 }
where { writeLine("stdout", $objPath) }
`

type fixedSource struct{ rc *engine.RuleEngineContext }

func (s fixedSource) Context() *engine.RuleEngineContext { return s.rc }

func newContext(t *testing.T, src string) *engine.RuleEngineContext {
	t.Helper()
	rules, err := parser.ParseRules(src, "cli.re")
	require.NoError(t, err)
	idx, err := ruleindex.Build(ruleindex.NewRuleSet(rules...), ruleindex.DefaultThreshold)
	require.NoError(t, err)
	return engine.NewContext(nil, idx, engine.WithRuleBase("site"))
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func memoryDB(t *testing.T) *dbmanager.DBManager {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	mgr := dbmanager.NewDBManager()
	require.NoError(t, mgr.AddDB("default", "sqlite", db))
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestParseRunArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    runRequest
		wantErr bool
	}{
		{
			name: "rule with args",
			args: []string{"--json", "-r", "core,site", "double", "21", "--json"},
			want: runRequest{RuleBase: "core,site", Rule: "double", Args: []string{"21", "--json"}, JSON: true, Session: map[string]string{}},
		},
		{
			name: "actions with session",
			args: []string{"--set", "$objPath=/a/b", "-e", "where"},
			want: runRequest{Actions: "where", Session: map[string]string{"objPath": "/a/b"}},
		},
		{name: "nothing to run", args: []string{"--json"}, wantErr: true},
		{name: "both", args: []string{"-e", "nop", "double"}, wantErr: true},
		{name: "bad set", args: []string{"--set", "novalue", "x"}, wantErr: true},
		{name: "missing value", args: []string{"--rule-base"}, wantErr: true},
		{name: "unknown flag", args: []string{"--colour", "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRunArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCliValue(t *testing.T) {
	assert.Equal(t, value.Int(42), cliValue("42"))
	assert.Equal(t, value.Int(-3), cliValue("-3"))
	assert.Equal(t, value.Double(1.5), cliValue("1.5"))
	assert.Equal(t, value.Double(2), cliValue("2.0"))
	assert.Equal(t, value.String("abc"), cliValue("abc"))
	assert.Equal(t, value.Int(10), cliValue("010"))
	assert.Equal(t, value.String("0x10"), cliValue("0x10"))
}

func TestExtraDatabases(t *testing.T) {
	got := extraDatabases([]string{
		"NRE_DB_DRIVER=sqlite",
		"NRE_DB_DSN=main.db",
		"NRE_DB_AUDIT_DRIVER=postgres",
		"NRE_DB_AUDIT_DSN=postgres://localhost/audit",
		"NRE_DB_CACHE_DSN=cache.db",
		"NRE_DB_BROKEN_DRIVER=mysql",
		"NRE_DB_OTHER=x",
		"PATH=/bin",
	})
	assert.Equal(t, map[string]dbSpec{
		"audit": {driver: "postgres", dsn: "postgres://localhost/audit"},
		"cache": {driver: "sqlite", dsn: "cache.db"},
	}, got)
}

func TestExecute(t *testing.T) {
	rc := newContext(t, siteSrc)
	ctx := context.Background()

	res, err := execute(ctx, rc, runRequest{Rule: "double", Args: []string{"21"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(42), res.Result)

	res, err = execute(ctx, rc, runRequest{Rule: "inc", Args: []string{"5", "out"}})
	require.NoError(t, err)
	require.Len(t, res.Args, 2)
	assert.Equal(t, int64(6), res.Args[1])

	res, err = execute(ctx, rc, runRequest{Rule: "where", Session: map[string]string{"objPath": "/zone/a"}})
	require.NoError(t, err)
	assert.Equal(t, "/zone/a\n", res.Stdout)

	res, err = execute(ctx, rc, runRequest{Actions: `writeLine("stderr", "warned"); fail()`})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "warned\n", res.Stderr)
	require.Len(t, res.Errors, 1)

	_, err = execute(ctx, rc, runRequest{Rule: "missing"})
	assert.Equal(t, rerr.NoRuleFound, rerr.CodeOf(err))

	_, err = execute(ctx, rc, runRequest{Rule: "where", Session: map[string]string{"nope": "x"}})
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	var out, errOut bytes.Buffer
	res := runResult{Success: true, Result: int64(1), Stdout: "hi\n", Stderr: "careful\n"}
	require.NoError(t, report(&out, &errOut, res, false))
	assert.Equal(t, "hi\n", out.String())
	assert.Equal(t, "careful\n", errOut.String())

	out.Reset()
	require.NoError(t, report(&out, &errOut, res, true))
	var decoded map[string]interface{}
	require.NoError(t, fastjson.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "hi\n", decoded["stdout"])
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.re", `
route(*p): *p == "a" { 1 }
route(*p): *p == "b" { 2 }
route(*p): *p == "c" { 3 }
other { nop }
`)
	bad := writeFile(t, dir, "bad.re", "broken(*x { nop }")

	var out bytes.Buffer
	assert.True(t, checkFiles(&out, []string{good}, ruleindex.DefaultThreshold, false))
	assert.Contains(t, out.String(), "4 rules, 2 names, 1 conditional indexes")

	out.Reset()
	assert.False(t, checkFiles(&out, []string{good, bad}, ruleindex.DefaultThreshold, true))
	var decoded struct {
		Success bool         `json:"success"`
		Files   []fileReport `json:"files"`
	}
	require.NoError(t, fastjson.Unmarshal(out.Bytes(), &decoded))
	assert.False(t, decoded.Success)
	require.Len(t, decoded.Files, 2)
	assert.Empty(t, decoded.Files[0].Errors)
	require.NotEmpty(t, decoded.Files[1].Errors)
	assert.Equal(t, "error", decoded.Files[1].Errors[0].Type)

	rep := checkFile(filepath.Join(dir, "absent.re"), ruleindex.DefaultThreshold)
	assert.NotEmpty(t, rep.Errors)
}

func TestRenderRules(t *testing.T) {
	rc := newContext(t, `
route(*p): *p == "a" { 1 }
route(*p): *p == "b" { 2 }
route(*p): *p == "c" { 3 }
route(*p) { 4 }
half(*x) = *x / 2
`)
	rows := ruleRows(rc)
	require.Len(t, rows, 2)
	byName := map[string][]interface{}{}
	for _, r := range rows {
		byName[r[1].(string)] = r
	}
	assert.Equal(t, []interface{}{"app", "route", "rule", 1, 4, 3}, byName["route"])
	assert.Equal(t, []interface{}{"app", "half", "function", 1, 1, 0}, byName["half"])

	out := renderRules(rc)
	assert.Contains(t, out, "RULE BASE site")
	assert.Contains(t, out, "route")
	assert.Contains(t, out, "half")
}

func signed(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": exp.Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestServer(t *testing.T) {
	rc := newContext(t, siteSrc)
	srv := httptest.NewServer(NewServer(fixedSource{rc}, "s3cret", nil).Router(0))
	defer srv.Close()
	token := signed(t, "s3cret", time.Now().Add(time.Hour))

	do := func(method, path, body, tok string) (int, map[string]interface{}) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]interface{}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			require.NoError(t, fastjson.NewDecoder(resp.Body).Decode(&out))
		}
		return resp.StatusCode, out
	}

	status, out := do("GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "site", out["rule_base"])

	status, _ = do("POST", "/rules/double/exec", `{"args":[21]}`, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = do("POST", "/rules/double/exec", `{"args":[21]}`, signed(t, "wrong", time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = do("POST", "/rules/double/exec", `{"args":[21]}`, signed(t, "s3cret", time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out = do("POST", "/rules/double/exec", `{"args":[21]}`, token)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 42, out["result"])

	status, out = do("POST", "/rules/where/exec", `{"session":{"objPath":"/zone/x"}}`, token)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/zone/x\n", out["stdout"])

	status, out = do("POST", "/exec", `{"actions":"writeLine(\"stdout\", \"via http\")"}`, token)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "via http\n", out["stdout"])

	status, _ = do("POST", "/exec", `{}`, token)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = do("POST", "/exec", `{not json`, token)
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = do("POST", "/rules/missing/exec", ``, token)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, out["success"])

	status, out = do("POST", "/exec", `{"actions":"fail()"}`, token)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.NotEmpty(t, out["errors"])

	status, _ = do("POST", "/rules/double/exec", `{"args":[1],"rule_base":"other"}`, token)
	assert.Equal(t, http.StatusConflict, status)

	status, out = do("GET", "/rules", "", token)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, out["app"], "double")

	status, _ = do("GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestServerLogsRule(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupTo(&buf, "development", slog.LevelDebug)
	defer logger.SetupTo(io.Discard, "development", slog.LevelInfo)

	h := NewServer(fixedSource{newContext(t, siteSrc)}, "", nil).Router(0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rules/double/exec", strings.NewReader(`{"args":[2]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), "rule=double")
	assert.Contains(t, buf.String(), "code=0")
	assert.Contains(t, buf.String(), "level=INFO")

	buf.Reset()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(`{"actions":"fail(-1101000)"}`)))
	assert.Contains(t, buf.String(), "rule=<actions>")
	assert.Contains(t, buf.String(), "code=-1101000")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestServerWithoutContext(t *testing.T) {
	srv := httptest.NewServer(NewServer(fixedSource{}, "", nil).Router(0))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/exec", "application/json", strings.NewReader(`{"actions":"nop"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func cacheConfig(t *testing.T) config.Config {
	t.Helper()
	ruleDir := t.TempDir()
	writeFile(t, ruleDir, "core.re", coreSrc)
	writeFile(t, ruleDir, "site.re", siteSrc)
	cfg := config.Default()
	cfg.RuleDir = ruleDir
	cfg.RuleBase = "core,site"
	cfg.ShmDir = t.TempDir()
	cfg.ShmName = "cli-cache"
	cfg.ShmSize = 1 << 20
	return cfg
}

func TestCacheCommands(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, cacheConfig(t), false)
	require.NoError(t, err)
	defer rt.Close()

	var out bytes.Buffer
	require.NoError(t, cacheShow(ctx, rt, &out, false))
	assert.Contains(t, out.String(), "Nothing published.")

	out.Reset()
	require.NoError(t, cachePublish(ctx, rt, "", false, &out))
	assert.Contains(t, out.String(), "Published core,site as version 1")

	out.Reset()
	require.NoError(t, cachePublish(ctx, rt, "", false, &out))
	assert.Contains(t, out.String(), "use --force")

	out.Reset()
	require.NoError(t, cachePublish(ctx, rt, "", true, &out))
	assert.Contains(t, out.String(), "version 2")

	out.Reset()
	require.NoError(t, cacheShow(ctx, rt, &out, true))
	var rep cacheReport
	require.NoError(t, fastjson.Unmarshal(out.Bytes(), &rep))
	assert.True(t, rep.Published)
	assert.Equal(t, uint64(2), rep.Version)
	assert.Equal(t, "core,site", rep.RuleBase)
	assert.Equal(t, 2, rep.CoreRules)
	assert.Equal(t, 3, rep.AppRules)
	assert.Empty(t, rep.Error)

	// the next load comes from the segment
	rc, err := rt.Load(ctx, "")
	require.NoError(t, err)
	res, err := execute(ctx, rc, runRequest{Rule: "greet", Args: []string{"ann"}})
	require.NoError(t, err)
	assert.Equal(t, "hello ann\n", res.Stdout)

	require.NoError(t, cacheCommand(ctx, rt, []string{"reset-mutex"}))
	assert.Error(t, cacheCommand(ctx, rt, []string{"publish", "--bogus"}))

	disabled := &Runtime{Cfg: config.Default()}
	assert.ErrorIs(t, cachePublish(ctx, disabled, "", false, &out), errNoCache)
	assert.ErrorIs(t, cacheShow(ctx, disabled, &out, false), errNoCache)
}

func TestCatalogStoreAndLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	site := writeFile(t, dir, "site.re", siteSrc)
	broken := writeFile(t, dir, "broken.re", "oops(")

	cfg := config.Default()
	cfg.ShmSize = 0
	rt := &Runtime{Cfg: cfg, DB: memoryDB(t)}

	var out bytes.Buffer
	require.NoError(t, catalogStore(ctx, rt, "site", []string{site}, &out))
	assert.Contains(t, out.String(), "db:site")
	assert.Error(t, catalogStore(ctx, rt, "site", []string{broken}, &out))

	rc, err := rt.Load(ctx, "db:site")
	require.NoError(t, err)
	assert.Equal(t, "db:site", rc.RuleBase)
	res, err := execute(ctx, rc, runRequest{Rule: "double", Args: []string{"4"}})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Result)

	_, err = rt.Load(ctx, "db:absent")
	assert.Error(t, err)
	_, err = (&Runtime{Cfg: cfg}).Load(ctx, "db:site")
	assert.Error(t, err)
}

func TestRunTestFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "math.test.re", `
testPass { writeLine("stdout", "ok") }
testBroken { writeLine("stdout", "before"); fail() }
testWithParam(*x) { nop }
helper { nop }
`)
	writeFile(t, dir, "notes.txt", "ignored")

	files, err := findTestFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)

	results, err := runTestFile(context.Background(), path, ruleindex.DefaultThreshold)
	require.NoError(t, err)
	byName := map[string]testResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	require.Len(t, byName, 2)
	assert.NoError(t, byName["testPass"].Err)
	assert.Equal(t, "ok\n", byName["testPass"].Output)
	assert.Error(t, byName["testBroken"].Err)

	var out bytes.Buffer
	assert.Equal(t, 1, runTests(context.Background(), &out, files, ruleindex.DefaultThreshold, true))
	assert.Contains(t, out.String(), "PASS")
	assert.Contains(t, out.String(), "   | before")
}

func TestServeLifecycle(t *testing.T) {
	cfg := cacheConfig(t)
	cfg.ReloadEvery = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Open(ctx, cfg, false)
	require.NoError(t, err)
	defer rt.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, rt, ln) }()

	url := "http://" + ln.Addr().String() + "/rules/double/exec"
	require.Eventually(t, func() bool {
		resp, err := http.Post(url, "application/json", strings.NewReader(`{"args":[5]}`))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestVersionString(t *testing.T) {
	assert.True(t, strings.HasPrefix(versionString(), "nre "))
}

func TestServerGuards(t *testing.T) {
	rc := newContext(t, siteSrc)
	api := NewServer(fixedSource{rc}, "", nil)
	api.Compress = true
	api.Block = middleware.NewBlockList(nil)
	require.NoError(t, api.Block.Add("203.0.113.0/24"))
	h := api.Router(0)

	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest("POST", "/rules/double/exec", strings.NewReader(`{"args":[2]}`))
	req.RemoteAddr = "198.51.100.1:4000"
	req.Header.Set("Accept-Encoding", "br")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "br", rec.Header().Get("Content-Encoding"))
	var out map[string]interface{}
	require.NoError(t, fastjson.NewDecoder(brotli.NewReader(rec.Body)).Decode(&out))
	assert.EqualValues(t, 4, out["result"])
}

func TestBlockListFromConfig(t *testing.T) {
	rt := &Runtime{Cfg: config.Default(), Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	b, err := blockList(rt)
	require.NoError(t, err)
	assert.Nil(t, b)

	rt.Cfg.BlockedIPs = []string{"10.0.0.1"}
	rt.Cfg.BlocklistFile = writeFile(t, t.TempDir(), "blocked.txt", "10.9.0.0/16\n")
	b, err = blockList(rt)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())

	rt.Cfg.BlockedIPs = []string{"bogus"}
	_, err = blockList(rt)
	assert.Error(t, err)
}
