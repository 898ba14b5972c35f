package worker

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nre/pkg/dbmanager"
	"nre/pkg/engine"
	"nre/pkg/fastjson"
	"nre/pkg/parser"
	"nre/pkg/ruleindex"
	"nre/pkg/value"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type fixedSource struct{ rc *engine.RuleEngineContext }

func (s fixedSource) Context() *engine.RuleEngineContext { return s.rc }

func newContext(t *testing.T, src string, opts ...engine.Option) *engine.RuleEngineContext {
	t.Helper()
	rules, err := parser.ParseRules(src, "worker.re")
	require.NoError(t, err)
	idx, err := ruleindex.Build(ruleindex.NewRuleSet(rules...), ruleindex.DefaultThreshold)
	require.NoError(t, err)
	return engine.NewContext(nil, idx, opts...)
}

func TestMemQueue(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "slow", []byte("s1")))
	require.NoError(t, q.Push(ctx, "fast", []byte("f1")))
	assert.Equal(t, 2, q.Len())

	name, payload, err := q.Pop(ctx, []string{"fast"})
	require.NoError(t, err)
	assert.Equal(t, "fast", name)
	assert.Equal(t, []byte("f1"), payload)

	name, payload, err = q.Pop(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "slow", name)
	assert.Equal(t, []byte("s1"), payload)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = q.Pop(short, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan string, 1)
	go func() {
		_, p, _ := q.Pop(ctx, []string{"late"})
		got <- string(p)
	}()
	require.NoError(t, q.Push(ctx, "late", []byte("l1")))
	select {
	case p := <-got:
		assert.Equal(t, "l1", p)
	case <-time.After(time.Second):
		t.Fatal("blocked Pop was not woken by Push")
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := q.Pop(ctx, nil)
			errs <- err
		}()
	}
	require.NoError(t, q.Close())
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrClosed)
	}
	assert.ErrorIs(t, q.Push(ctx, "x", nil), ErrClosed)
}

func TestParseHints(t *testing.T) {
	tests := []struct {
		in      string
		delay   time.Duration
		queue   string
		wantErr bool
	}{
		{"", 0, DefaultQueue, false},
		{"<PLUSET>30</PLUSET>", 30 * time.Second, DefaultQueue, false},
		{"<PLUSET>1m30s</PLUSET>", 90 * time.Second, DefaultQueue, false},
		{"<PLUSET>2d</PLUSET><QUEUE>nightly</QUEUE>", 48 * time.Hour, "nightly", false},
		{"<EF>24h</EF><PLUSET> 5 </PLUSET>", 5 * time.Second, DefaultQueue, false},
		{"<QUEUE></QUEUE>", 0, DefaultQueue, false},
		{"<PLUSET>soon</PLUSET>", 0, DefaultQueue, true},
		{"<PLUSET>xd</PLUSET>", 0, DefaultQueue, true},
		{"<PLUSET>1</QUEUE>", 0, DefaultQueue, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, err := ParseHints(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.delay, h.Delay)
			assert.Equal(t, tt.queue, h.Queue)
		})
	}
}

func TestDelayerPayload(t *testing.T) {
	q := NewMemQueue()
	d := NewDelayer(q)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	err := d.Push(context.Background(), engine.DelayedJob{
		Hints:   "<PLUSET>10</PLUSET><QUEUE>q1</QUEUE>",
		Actions: `writeLine("stdout", "x")`,
		Locals:  map[string]interface{}{"*n": int64(7)},
	})
	require.NoError(t, err)

	name, payload, err := q.Pop(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "q1", name)

	var job JobPayload
	require.NoError(t, fastjson.DecodeNumbers(payload, &job))
	assert.True(t, job.NotBefore.Equal(now.Add(10*time.Second)))
	assert.True(t, job.CreatedAt.Equal(now))
	assert.Equal(t, `writeLine("stdout", "x")`, job.Actions)
	assert.Equal(t, value.Int(7), restoreLocal(job.Locals["*n"]))

	assert.Error(t, d.Push(context.Background(), engine.DelayedJob{Hints: "<PLUSET>never</PLUSET>"}))
}

func TestRestoreLocal(t *testing.T) {
	assert.Equal(t, value.Int(3), restoreLocal(fastjson.Number("3")))
	assert.Equal(t, value.Double(2.5), restoreLocal(fastjson.Number("2.5")))
	assert.Equal(t, value.String("s"), restoreLocal("s"))
	assert.Equal(t, value.List(value.Int(1), value.String("a")),
		restoreLocal([]interface{}{fastjson.Number("1"), "a"}))

	kv := restoreLocal(map[string]interface{}{"b": "2", "a": fastjson.Number("1")})
	pairs, ok := kv.AsKeyValPair()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, pairs.Map())
}

func TestDelayedRoundTrip(t *testing.T) {
	q := NewMemQueue()
	rc := newContext(t, `report(*m) { writeLine("stdout", "m=*m") }`,
		engine.WithQueue(NewDelayer(q)), engine.WithRuleBase("core"))
	ctx := context.Background()

	ev := rc.NewEvaluator(nil)
	_, err := ev.Run(ctx, `*n = 3; msiAddKeyVal(*kv, "k", "v"); delayExec("<PLUSET>0</PLUSET>", report(*n + 1), nop)`)
	ev.Close()
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	_, payload, err := q.Pop(ctx, []string{DefaultQueue})
	require.NoError(t, err)
	var job JobPayload
	require.NoError(t, fastjson.DecodeNumbers(payload, &job))
	assert.Equal(t, "core", job.RuleBase)

	log, buf := testLogger()
	require.NoError(t, RunJob(ctx, rc, job, log))
	assert.Contains(t, buf.String(), "m=4")
	assert.Contains(t, buf.String(), "job completed")
}

func TestRunJobRecovery(t *testing.T) {
	rc := newContext(t, "")
	log, buf := testLogger()

	err := RunJob(context.Background(), rc, JobPayload{DelayedJob: engine.DelayedJob{
		Actions:  `writeLine("stdout", "start"); fail()`,
		Recovery: `writeLine("stdout", "recovered *why")`,
		Locals:   map[string]interface{}{"*why": "disk"},
	}}, log)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "recovered disk")

	assert.Error(t, RunJob(context.Background(), nil, JobPayload{}, log))
}

func TestStartRunsJobs(t *testing.T) {
	q := NewMemQueue()
	rc := newContext(t, "")
	log, buf := testLogger()

	payload, err := fastjson.Marshal(JobPayload{
		DelayedJob: engine.DelayedJob{Actions: `writeLine("stdout", "from worker")`},
		NotBefore:  time.Now().Add(20 * time.Millisecond),
	})
	require.NoError(t, err)
	require.NoError(t, q.Push(context.Background(), DefaultQueue, payload))
	require.NoError(t, q.Push(context.Background(), DefaultQueue, []byte("{not json")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Start(ctx, fixedSource{rc}, q, nil, log)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("from worker"))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), "invalid job payload")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Contains(t, buf.String(), "worker stopped")
}

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

type countResult struct {
	n   int64
	err error
}

func (r countResult) LastInsertId() (int64, error) { return 0, nil }
func (r countResult) RowsAffected() (int64, error) { return r.n, r.err }

func TestClaimed(t *testing.T) {
	ok, err := claimed(countResult{n: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = claimed(countResult{n: 0})
	require.NoError(t, err)
	assert.False(t, ok)

	unsupported := errors.New("rows affected not supported")
	ok, err = claimed(countResult{err: unsupported})
	assert.ErrorIs(t, err, unsupported)
	assert.False(t, ok)
}

func TestDBQueue(t *testing.T) {
	mgr := dbmanager.NewDBManager()
	require.NoError(t, mgr.AddDB("default", "sqlite", memoryDB(t)))
	q := NewDBQueue(mgr, "default").WithPoll(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.EnsureSchema(ctx))
	require.NoError(t, q.EnsureSchema(ctx))

	require.NoError(t, q.Push(ctx, "a", []byte("one")))
	require.NoError(t, q.Push(ctx, "b", []byte("two")))
	require.NoError(t, q.Push(ctx, "a", []byte("three")))
	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	name, payload, err := q.Pop(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, "b", name)
	assert.Equal(t, []byte("two"), payload)

	_, payload, err = q.Pop(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), payload)

	n, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, err = q.Pop(short, []string{"b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	missing := NewDBQueue(mgr, "nope")
	assert.Error(t, missing.Push(ctx, "a", nil))
	assert.NoError(t, q.Close())
}
