package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nre/pkg/ast"
	"nre/pkg/engine"
	"nre/pkg/metrics"
	"nre/pkg/parser"
	"nre/pkg/region"
	"nre/pkg/ruleindex"
	"nre/pkg/shm"
	"nre/pkg/value"
)

const coreRules = `
acPreprocForDataObjOpen { msiSetDataObjPreferredResc("demoResc") }
check(*X): *X > 0 { writeLine("stdout", "positive") } else { writeLine("stdout", "nonpositive") }
`

const appRules = `
data pair(*a, *b)
half(*n) = *n / 2
route(*k): *k == "a" { "A" }
route(*k): *k == "b" { "B" }
route(*k): *k == "c" { "C" }
route(*k): *k == "b" { "B2" }
route(*k) { "default" }
sum(*l) {
	*t = 0;
	foreach (*x in *l) { *t = *t + *x } ::: nop;
	*t
}
`

func index(t *testing.T, src, file string) *ruleindex.Index {
	t.Helper()
	rules, err := parser.ParseRules(src, file)
	require.NoError(t, err)
	idx, err := ruleindex.Build(ruleindex.NewRuleSet(rules...), ruleindex.DefaultThreshold)
	require.NoError(t, err)
	return idx
}

func sample(t *testing.T, updated time.Time) *Cache {
	t.Helper()
	return &Cache{
		RuleBase:        "core,app",
		UpdateTimestamp: updated,
		NameMap:         map[string]string{"acCheck": "check"},
		Core:            index(t, coreRules, "core.re"),
		App:             index(t, appRules, "app.re"),
	}
}

type mapping struct {
	seg  *shm.Segment
	lock *shm.FileLock
}

// open maps the same segment and lock file again, as another process would.
func open(t *testing.T, dir string, size int) mapping {
	t.Helper()
	seg, err := shm.Open(dir, "rules", size)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	lock, err := shm.NewFileLock(shm.Path(dir, "rules.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { lock.Close() })
	return mapping{seg, lock}
}

func assertSameIndex(t *testing.T, want, got *ruleindex.Index) {
	t.Helper()
	require.Equal(t, want.Rules.Len(), got.Rules.Len())
	for i, w := range want.Rules.Rules {
		g := got.Rules.Rules[i]
		assert.Equal(t, w.Kind, g.Kind)
		assert.Equal(t, w.DynamicTyping, g.DynamicTyping)
		assert.True(t, ast.Equal(w.Node, g.Node), "rule %d (%s) differs", i, w.Name())
		assert.Equal(t, w.Node.Pos, g.Node.Pos)
	}
	assert.Equal(t, want.Names(), got.Names())
	for _, wl := range want.Lists() {
		gl, ok := got.Lookup(wl.Name)
		require.True(t, ok, wl.Name)
		require.Len(t, gl.Nodes, len(wl.Nodes))
		for i, wn := range wl.Nodes {
			gn := gl.Nodes[i]
			assert.Equal(t, wn.Rule, gn.Rule)
			assert.Equal(t, wn.Secondary, gn.Secondary)
			if wn.Cond == nil {
				assert.Nil(t, gn.Cond)
				continue
			}
			require.NotNil(t, gn.Cond)
			assert.True(t, ast.Equal(wn.Cond.CondExpr, gn.Cond.CondExpr))
			require.Len(t, gn.Cond.Params, len(wn.Cond.Params))
			assert.Equal(t, wn.Cond.ValIndex.Keys(), gn.Cond.ValIndex.Keys())
			for _, k := range wn.Cond.ValIndex.Keys() {
				wv, _ := wn.Cond.ValIndex.Lookup(k)
				gv, _ := gn.Cond.ValIndex.Lookup(k)
				assert.Equal(t, wv, gv, k)
			}
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	c := sample(t, time.Unix(1700000000, 5))
	r := region.New(region.WithBlockSize(1<<20), region.WithLimit(1<<20))
	defer r.Free()

	data, layout, err := Encode(r, c)
	require.NoError(t, err)
	assert.Equal(t, len(data), layout.DataSize)
	assert.Positive(t, layout.NumSites)

	got, err := Decode(append([]byte(nil), data...), layout)
	require.NoError(t, err)
	assert.Equal(t, c.RuleBase, got.RuleBase)
	assert.Equal(t, c.NameMap, got.NameMap)
	assert.True(t, c.UpdateTimestamp.Equal(got.UpdateTimestamp))
	assert.Len(t, got.Pointers, layout.NumSites)
	assertSameIndex(t, c.Core, got.Core)
	assertSameIndex(t, c.App, got.App)
}

func TestEncodeOutOfSpace(t *testing.T) {
	r := region.New(region.WithBlockSize(256), region.WithLimit(256))
	defer r.Free()
	_, _, err := Encode(r, sample(t, time.Now()))
	assert.ErrorIs(t, err, region.ErrOutOfMemory)
}

func TestDecodeRejectsBadReferences(t *testing.T) {
	r := region.New(region.WithBlockSize(1<<20), region.WithLimit(1<<20))
	defer r.Free()
	data, layout, err := Encode(r, sample(t, time.Now()))
	require.NoError(t, err)

	site := binary.LittleEndian.Uint32(data[layout.SitesOff:])
	bad := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bad[site:], uint32(layout.NumObjects+7))
	_, err = Decode(bad, layout)
	assert.ErrorIs(t, err, ErrCorrupt)

	short := layout
	short.SitesOff = layout.DataSize - 2
	_, err = Decode(append([]byte(nil), data...), short)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(data[:len(data)-1], layout)
	assert.ErrorIs(t, err, ErrCorrupt)

	wrongRoot := layout
	wrongRoot.Root = 0 // the first object is a string
	_, err = Decode(append([]byte(nil), data...), wrongRoot)
	assert.ErrorIs(t, err, ErrCorrupt)

	fewer := layout
	fewer.NumSites--
	_, err = Decode(append([]byte(nil), data...), fewer)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRoundTripAcrossMappings(t *testing.T) {
	dir := t.TempDir()
	writer := open(t, dir, 1<<20)
	reader := open(t, dir, 0)
	require.NotSame(t, &writer.seg.Bytes()[0], &reader.seg.Bytes()[0])
	ctx := context.Background()

	c := sample(t, time.Unix(1700000000, 0))
	v, err := NewPublisher(writer.seg, writer.lock, nil).Publish(ctx, c, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	sub := NewSubscriber(reader.seg, reader.lock, nil)
	got, err := sub.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, "core,app", got.RuleBase)
	assertSameIndex(t, c.Core, got.Core)
	assertSameIndex(t, c.App, got.App)

	orig := c.Context()
	restored := got.Context()
	for _, k := range []string{"a", "b", "c", "z"} {
		want, err := orig.ExecRule(ctx, "route", []value.Value{value.String(k)}, false)
		require.NoError(t, err)
		have, err := restored.ExecRule(ctx, "route", []value.Value{value.String(k)}, false)
		require.NoError(t, err)
		assert.Equal(t, want, have, k)
	}

	ev := restored.NewEvaluator(nil)
	defer ev.Close()
	_, err = ev.ExecRule(ctx, "acCheck", []value.Value{value.Int(3)}, false)
	require.NoError(t, err)
	assert.Equal(t, "positive\n", ev.Stdout.String())

	res, err := ev.Run(ctx, `sum(list(1, 2, 3))`)
	require.NoError(t, err)
	assert.Equal(t, value.Int(6), res)

	res, err = ev.Run(ctx, `half(8)`)
	require.NoError(t, err)
	assert.Equal(t, value.Double(4), res)
}

func TestPublishOnlyNewer(t *testing.T) {
	m := open(t, t.TempDir(), 1<<20)
	pub := NewPublisher(m.seg, m.lock, nil)
	sub := NewSubscriber(m.seg, m.lock, nil)
	ctx := context.Background()

	_, err := sub.Restore(ctx)
	assert.ErrorIs(t, err, ErrNotPublished)
	_, err = sub.Current(ctx)
	assert.ErrorIs(t, err, ErrNotPublished)

	t1 := time.Unix(1000, 0)
	_, err = pub.Publish(ctx, sample(t, t1), false)
	require.NoError(t, err)

	staleBefore := testutil.ToFloat64(metrics.CachePublish.WithLabelValues("stale"))
	older := sample(t, t1.Add(-time.Second))
	older.RuleBase = "older"
	v, err := pub.Publish(ctx, older, false)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, staleBefore+1, testutil.ToFloat64(metrics.CachePublish.WithLabelValues("stale")))

	_, err = pub.Publish(ctx, sample(t, t1), false)
	assert.ErrorIs(t, err, ErrStale)

	got, err := sub.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "core,app", got.RuleBase)

	v, err = pub.Publish(ctx, older, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	got, err = sub.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "older", got.RuleBase)
	assert.Equal(t, uint64(2), got.Version)
}

func TestCurrentFollowsVersion(t *testing.T) {
	m := open(t, t.TempDir(), 1<<20)
	pub := NewPublisher(m.seg, m.lock, nil)
	sub := NewSubscriber(m.seg, m.lock, nil)
	ctx := context.Background()

	_, err := pub.Publish(ctx, sample(t, time.Unix(1, 0)), false)
	require.NoError(t, err)

	first, err := sub.Current(ctx)
	require.NoError(t, err)
	again, err := sub.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = pub.Publish(ctx, sample(t, time.Unix(2, 0)), false)
	require.NoError(t, err)
	next, err := sub.Current(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, next)
	assert.Equal(t, uint64(2), next.Version)

	info, err := sub.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.Published)
	assert.Equal(t, uint64(2), info.Version)
	assert.Equal(t, next.DataSize, info.DataSize)
	assert.Equal(t, 1<<20-HeaderSize, info.Capacity)
}

func TestPublishTooLargeLeavesSegment(t *testing.T) {
	m := open(t, t.TempDir(), HeaderSize+512)
	pub := NewPublisher(m.seg, m.lock, nil)
	before := append([]byte(nil), m.seg.Bytes()...)

	_, err := pub.Publish(context.Background(), sample(t, time.Now()), false)
	assert.ErrorIs(t, err, ErrTooSmall)
	assert.Equal(t, before, m.seg.Bytes())
}

func TestRestoreDetectsDamage(t *testing.T) {
	m := open(t, t.TempDir(), 1<<20)
	ctx := context.Background()
	_, err := NewPublisher(m.seg, m.lock, nil).Publish(ctx, sample(t, time.Now()), false)
	require.NoError(t, err)

	m.seg.Bytes()[HeaderSize+40] ^= 0xff
	_, err = NewSubscriber(m.seg, m.lock, nil).Restore(ctx)
	assert.ErrorIs(t, err, ErrDigest)
}

func TestConcurrentPublish(t *testing.T) {
	dir := t.TempDir()
	seed := open(t, dir, 1<<20)
	ctx := context.Background()

	const writers = 6
	base := time.Unix(5000, 0)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		m := open(t, dir, 0)
		c := sample(t, base.Add(time.Duration(i)*time.Second))
		c.RuleBase = fmt.Sprintf("gen%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewPublisher(m.seg, m.lock, nil).Publish(ctx, c, false)
			if err != nil {
				assert.ErrorIs(t, err, ErrStale)
			}
		}()
	}
	wg.Wait()

	got, err := NewSubscriber(seed.seg, seed.lock, nil).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("gen%d", writers-1), got.RuleBase)
	assert.True(t, got.UpdateTimestamp.Equal(base.Add((writers-1)*time.Second)))
	assertSameIndex(t, sample(t, base).App, got.App)
}

func TestResetMutex(t *testing.T) {
	m := open(t, t.TempDir(), 1<<20)
	require.NoError(t, m.lock.Lock())

	other, err := shm.NewFileLock(m.lock.Path())
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, ResetMutex(other))

	_, err = NewPublisher(m.seg, other, nil).Publish(context.Background(), sample(t, time.Now()), false)
	assert.NoError(t, err)
}

func TestFromContext(t *testing.T) {
	rc := engine.NewContext(index(t, coreRules, "core.re"), nil,
		engine.WithRuleBase("core"), engine.WithUpdatedAt(time.Unix(9, 0)),
		engine.WithNameMap(map[string]string{"a": "b"}))
	c := FromContext(rc)
	assert.Equal(t, "core", c.RuleBase)
	assert.Same(t, rc.Core, c.Core)

	back := c.Context(engine.WithMaxDepth(7))
	assert.Equal(t, 7, back.MaxDepth)
	assert.Equal(t, "b", back.NameMap["a"])
	assert.True(t, back.UpdatedAt.Equal(time.Unix(9, 0)))
}
