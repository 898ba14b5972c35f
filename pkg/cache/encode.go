package cache

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"nre/pkg/ast"
	"nre/pkg/region"
	"nre/pkg/ruleindex"
)

// Object kinds of the flat object table.
const (
	objString byte = iota + 1
	objNode
	objRule
	objCond
	objList
	objSpace
	objRoot
)

// nilRef is the reference value of an absent object.
const nilRef = ^uint32(0)

// Layout locates the parts of an encoded payload. All offsets are relative
// to the start of the payload.
type Layout struct {
	DataSize   int
	Root       uint32
	TableOff   int
	NumObjects int
	SitesOff   int
	NumSites   int
}

// encoder writes a Cache into a region as a table of objects that refer to
// each other by object index. The byte offset of every reference field is
// recorded so a reader can check each one before trusting it.
type encoder struct {
	r       *region.Region
	offsets []uint32
	sites   []uint32
	strs    map[string]uint32
	nodes   map[*ast.Node]uint32
}

// record is one object being written.
type record struct {
	e    *encoder
	buf  []byte
	base int
	pos  int
}

func (w *record) u8(v byte) {
	w.buf[w.pos] = v
	w.pos++
}

func (w *record) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.pos:], v)
	w.pos += 4
}

func (w *record) i64(v int64) {
	binary.LittleEndian.PutUint64(w.buf[w.pos:], uint64(v))
	w.pos += 8
}

func (w *record) ref(idx uint32) {
	w.e.sites = append(w.e.sites, uint32(w.base+w.pos))
	w.u32(idx)
}

func (w *record) bytes(b []byte) {
	w.pos += copy(w.buf[w.pos:], b)
}

func (e *encoder) object(kind byte, size int) (*record, uint32, error) {
	p, err := e.r.Alloc(1 + size)
	if err != nil {
		return nil, 0, err
	}
	buf, err := e.r.Bytes(p)
	if err != nil {
		return nil, 0, err
	}
	idx := uint32(len(e.offsets))
	e.offsets = append(e.offsets, uint32(p.Offset()))
	w := &record{e: e, buf: buf, base: p.Offset()}
	w.u8(kind)
	return w, idx, nil
}

// Encode writes c into r, which must hand out a single block large enough
// for the whole payload. The returned bytes alias r.
func Encode(r *region.Region, c *Cache) ([]byte, Layout, error) {
	e := &encoder{
		r:     r,
		strs:  map[string]uint32{},
		nodes: map[*ast.Node]uint32{},
	}
	root, err := e.root(c)
	if err != nil {
		return nil, Layout{}, err
	}

	table, err := e.table(e.offsets)
	if err != nil {
		return nil, Layout{}, err
	}
	// the sites table lists reference fields only, not itself
	sites, err := e.table(e.sites)
	if err != nil {
		return nil, Layout{}, err
	}

	data, err := r.Contiguous()
	if err != nil {
		return nil, Layout{}, err
	}
	return data, Layout{
		DataSize:   len(data),
		Root:       root,
		TableOff:   table,
		NumObjects: len(e.offsets),
		SitesOff:   sites,
		NumSites:   len(e.sites),
	}, nil
}

func (e *encoder) table(vals []uint32) (int, error) {
	p, err := e.r.Alloc(4 * len(vals))
	if err != nil {
		return 0, err
	}
	buf, err := e.r.Bytes(p)
	if err != nil {
		return 0, err
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return p.Offset(), nil
}

func (e *encoder) str(s string) (uint32, error) {
	if idx, ok := e.strs[s]; ok {
		return idx, nil
	}
	w, idx, err := e.object(objString, 4+len(s))
	if err != nil {
		return 0, err
	}
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
	e.strs[s] = idx
	return idx, nil
}

// node writes n after its children. Shared subtrees are written once.
func (e *encoder) node(n *ast.Node) (uint32, error) {
	if n == nil {
		return nilRef, nil
	}
	if idx, ok := e.nodes[n]; ok {
		return idx, nil
	}
	children := make([]uint32, len(n.Children))
	for i, c := range n.Children {
		idx, err := e.node(c)
		if err != nil {
			return 0, err
		}
		children[i] = idx
	}
	text, err := e.str(n.Text)
	if err != nil {
		return 0, err
	}
	file, err := e.str(n.Pos.File)
	if err != nil {
		return 0, err
	}

	w, idx, err := e.object(objNode, 2+4*5+4*len(children))
	if err != nil {
		return 0, err
	}
	w.u8(byte(n.Kind))
	if n.ConstructTuple {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u32(uint32(n.Pos.Line))
	w.u32(uint32(n.Pos.Col))
	w.ref(file)
	w.ref(text)
	w.u32(uint32(len(children)))
	for _, c := range children {
		w.ref(c)
	}
	e.nodes[n] = idx
	return idx, nil
}

func (e *encoder) rule(d *ruleindex.RuleDesc) (uint32, error) {
	node, err := e.node(d.Node)
	if err != nil {
		return 0, err
	}
	w, idx, err := e.object(objRule, 2+4)
	if err != nil {
		return 0, err
	}
	w.u8(byte(d.Kind))
	if d.DynamicTyping {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.ref(node)
	return idx, nil
}

func (e *encoder) cond(c *ruleindex.CondIndexVal) (uint32, error) {
	if c == nil {
		return nilRef, nil
	}
	params := make([]uint32, len(c.Params))
	for i, p := range c.Params {
		idx, err := e.node(p)
		if err != nil {
			return 0, err
		}
		params[i] = idx
	}
	expr, err := e.node(c.CondExpr)
	if err != nil {
		return 0, err
	}
	keys := c.ValIndex.Keys()
	lits := make([]uint32, len(keys))
	vals := make([][]int, len(keys))
	size := 4 + 4*len(params) + 4 + 4
	for i, k := range keys {
		if lits[i], err = e.str(k); err != nil {
			return 0, err
		}
		vals[i], _ = c.ValIndex.Lookup(k)
		size += 8 + 4*len(vals[i])
	}

	w, idx, err := e.object(objCond, size)
	if err != nil {
		return 0, err
	}
	w.u32(uint32(len(params)))
	for _, p := range params {
		w.ref(p)
	}
	w.ref(expr)
	w.u32(uint32(len(keys)))
	for i := range keys {
		w.ref(lits[i])
		w.u32(uint32(len(vals[i])))
		for _, ri := range vals[i] {
			w.u32(uint32(ri))
		}
	}
	return idx, nil
}

func (e *encoder) list(l *ruleindex.List) (uint32, error) {
	name, err := e.str(l.Name)
	if err != nil {
		return 0, err
	}
	conds := make([]uint32, len(l.Nodes))
	for i, n := range l.Nodes {
		if conds[i], err = e.cond(n.Cond); err != nil {
			return 0, err
		}
	}
	w, idx, err := e.object(objList, 4+4+9*len(l.Nodes))
	if err != nil {
		return 0, err
	}
	w.ref(name)
	w.u32(uint32(len(l.Nodes)))
	for i, n := range l.Nodes {
		w.u32(uint32(n.Rule))
		if n.Secondary {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.ref(conds[i])
	}
	return idx, nil
}

// space writes one rule set with its index.
func (e *encoder) space(x *ruleindex.Index) (uint32, error) {
	if x == nil {
		x = ruleindex.Empty()
	}
	rules := make([]uint32, len(x.Rules.Rules))
	for i, d := range x.Rules.Rules {
		idx, err := e.rule(d)
		if err != nil {
			return 0, err
		}
		rules[i] = idx
	}
	ls := x.Lists()
	lists := make([]uint32, len(ls))
	for i, l := range ls {
		idx, err := e.list(l)
		if err != nil {
			return 0, err
		}
		lists[i] = idx
	}

	w, idx, err := e.object(objSpace, 8+4*len(rules)+4*len(lists))
	if err != nil {
		return 0, err
	}
	w.u32(uint32(len(rules)))
	for _, r := range rules {
		w.ref(r)
	}
	w.u32(uint32(len(lists)))
	for _, l := range lists {
		w.ref(l)
	}
	return idx, nil
}

func (e *encoder) root(c *Cache) (uint32, error) {
	core, err := e.space(c.Core)
	if err != nil {
		return 0, err
	}
	app, err := e.space(c.App)
	if err != nil {
		return 0, err
	}
	base, err := e.str(c.RuleBase)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(c.NameMap))
	for k := range c.NameMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	names := make([]uint32, 0, 2*len(keys))
	for _, k := range keys {
		ki, err := e.str(k)
		if err != nil {
			return 0, err
		}
		vi, err := e.str(c.NameMap[k])
		if err != nil {
			return 0, err
		}
		names = append(names, ki, vi)
	}

	w, idx, err := e.object(objRoot, 4+8+4+4+4+4*len(names))
	if err != nil {
		return 0, err
	}
	w.ref(base)
	w.i64(unixNano(c.UpdateTimestamp))
	w.ref(core)
	w.ref(app)
	w.u32(uint32(len(keys)))
	for _, n := range names {
		w.ref(n)
	}
	if w.pos != len(w.buf) {
		return 0, fmt.Errorf("cache: root record size mismatch")
	}
	return idx, nil
}

// unixNano maps the zero time to 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
