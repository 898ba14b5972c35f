package cache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"nre/pkg/ast"
	"nre/pkg/ruleindex"
	"nre/pkg/symtab"
)

var ErrCorrupt = errors.New("cache: corrupt payload")

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// decoder rebuilds native references from a private copy of the payload.
type decoder struct {
	data    []byte
	offsets []uint32
	objs    []interface{}
	busy    []bool
	refs    int
}

// Decode validates the object and reference tables of data and rebuilds the
// rule sets, indices and name map. data must not be shared.
func Decode(data []byte, l Layout) (*Cache, error) {
	if l.DataSize != len(data) {
		return nil, corrupt("data size %d, have %d bytes", l.DataSize, len(data))
	}
	offsets, err := readTable(data, l.TableOff, l.NumObjects)
	if err != nil {
		return nil, err
	}
	for i, off := range offsets {
		if int(off) >= len(data) {
			return nil, corrupt("object %d at %d outside payload", i, off)
		}
	}
	sites, err := readTable(data, l.SitesOff, l.NumSites)
	if err != nil {
		return nil, err
	}
	for _, s := range sites {
		if int(s)+4 > len(data) {
			return nil, corrupt("reference site %d outside payload", s)
		}
		ref := binary.LittleEndian.Uint32(data[s:])
		if ref != nilRef && int(ref) >= len(offsets) {
			return nil, corrupt("reference site %d names object %d of %d", s, ref, len(offsets))
		}
	}

	d := &decoder{
		data:    data,
		offsets: offsets,
		objs:    make([]interface{}, len(offsets)),
		busy:    make([]bool, len(offsets)),
	}
	c, err := d.root(l.Root)
	if err != nil {
		return nil, err
	}
	if d.refs != l.NumSites {
		return nil, corrupt("%d references read, %d recorded", d.refs, l.NumSites)
	}
	c.DataSize = l.DataSize
	c.Pointers = make([]int, len(sites))
	for i, s := range sites {
		c.Pointers[i] = int(s)
	}
	return c, nil
}

func readTable(data []byte, off, n int) ([]uint32, error) {
	if off < 0 || n < 0 || off+4*n > len(data) {
		return nil, corrupt("table at %d with %d entries outside payload", off, n)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[off+4*i:])
	}
	return out, nil
}

// reader walks one object. The first error sticks.
type reader struct {
	d   *decoder
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.d.data) {
		r.err = corrupt("read past end at %d", r.pos)
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.d.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.d.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) i64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.d.data[r.pos:]))
	r.pos += 8
	return v
}

func (r *reader) ref() uint32 {
	v := r.u32()
	if r.err == nil {
		r.d.refs++
	}
	return v
}

// count reads a length whose elements take at least min bytes each.
func (r *reader) count(min int) int {
	n := int(r.u32())
	if r.err == nil && n*min > len(r.d.data)-r.pos {
		r.err = corrupt("count %d at %d exceeds payload", n, r.pos)
		return 0
	}
	return n
}

// open positions a reader on object idx after checking its kind. An object
// decoded before is returned as cached instead.
func (d *decoder) open(idx uint32, kind byte) (r *reader, cached interface{}, err error) {
	if int(idx) >= len(d.offsets) {
		return nil, nil, corrupt("object %d of %d", idx, len(d.offsets))
	}
	if v := d.objs[idx]; v != nil {
		return nil, v, nil
	}
	if d.busy[idx] {
		return nil, nil, corrupt("object %d refers to itself", idx)
	}
	r = &reader{d: d, pos: int(d.offsets[idx])}
	if k := r.u8(); r.err == nil && k != kind {
		return nil, nil, corrupt("object %d has kind %d, want %d", idx, k, kind)
	}
	d.busy[idx] = true
	return r, nil, r.err
}

func (d *decoder) done(idx uint32, v interface{}) {
	d.busy[idx] = false
	d.objs[idx] = v
}

func (d *decoder) str(idx uint32) (string, error) {
	r, cached, err := d.open(idx, objString)
	if err != nil {
		return "", err
	}
	if cached != nil {
		return cached.(string), nil
	}
	n := r.count(1)
	if !r.need(n) {
		return "", r.err
	}
	s := string(d.data[r.pos : r.pos+n])
	d.done(idx, s)
	return s, nil
}

func (d *decoder) node(idx uint32) (*ast.Node, error) {
	if idx == nilRef {
		return nil, nil
	}
	r, cached, err := d.open(idx, objNode)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached.(*ast.Node), nil
	}
	n := &ast.Node{Kind: ast.Kind(r.u8())}
	n.ConstructTuple = r.u8() == 1
	n.Pos.Line = int(r.u32())
	n.Pos.Col = int(r.u32())
	file := r.ref()
	text := r.ref()
	children := make([]uint32, r.count(4))
	for i := range children {
		children[i] = r.ref()
	}
	if r.err != nil {
		return nil, r.err
	}
	if n.Pos.File, err = d.str(file); err != nil {
		return nil, err
	}
	if n.Text, err = d.str(text); err != nil {
		return nil, err
	}
	if len(children) > 0 {
		n.Children = make([]*ast.Node, len(children))
	}
	for i, c := range children {
		if n.Children[i], err = d.node(c); err != nil {
			return nil, err
		}
	}
	d.done(idx, n)
	return n, nil
}

func (d *decoder) rule(idx uint32) (*ruleindex.RuleDesc, error) {
	r, cached, err := d.open(idx, objRule)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached.(*ruleindex.RuleDesc), nil
	}
	rd := &ruleindex.RuleDesc{Kind: ruleindex.RuleKind(r.u8())}
	rd.DynamicTyping = r.u8() == 1
	node := r.ref()
	if r.err != nil {
		return nil, r.err
	}
	if rd.Node, err = d.node(node); err != nil {
		return nil, err
	}
	if rd.Node == nil || rd.Node.Kind != ast.Rule {
		return nil, corrupt("rule %d without a rule node", idx)
	}
	d.done(idx, rd)
	return rd, nil
}

func (d *decoder) cond(idx uint32, numRules int) (*ruleindex.CondIndexVal, error) {
	if idx == nilRef {
		return nil, nil
	}
	r, cached, err := d.open(idx, objCond)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached.(*ruleindex.CondIndexVal), nil
	}
	params := make([]uint32, r.count(4))
	for i := range params {
		params[i] = r.ref()
	}
	expr := r.ref()
	type entry struct {
		lit   uint32
		rules []int
	}
	entries := make([]entry, r.count(8))
	for i := range entries {
		entries[i].lit = r.ref()
		entries[i].rules = make([]int, r.count(4))
		for j := range entries[i].rules {
			ri := int(r.u32())
			if r.err == nil && ri >= numRules {
				return nil, corrupt("conditional index names rule %d of %d", ri, numRules)
			}
			entries[i].rules[j] = ri
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	c := &ruleindex.CondIndexVal{ValIndex: symtab.New[[]int](len(entries) + 1)}
	if len(params) > 0 {
		c.Params = make([]*ast.Node, len(params))
	}
	for i, p := range params {
		if c.Params[i], err = d.node(p); err != nil {
			return nil, err
		}
	}
	if c.CondExpr, err = d.node(expr); err != nil {
		return nil, err
	}
	for _, e := range entries {
		lit, err := d.str(e.lit)
		if err != nil {
			return nil, err
		}
		if err := c.ValIndex.Set(lit, e.rules); err != nil {
			return nil, err
		}
	}
	d.done(idx, c)
	return c, nil
}

func (d *decoder) list(idx uint32, numRules int) (*ruleindex.List, error) {
	r, cached, err := d.open(idx, objList)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached.(*ruleindex.List), nil
	}
	name := r.ref()
	type entry struct {
		rule      int
		secondary bool
		cond      uint32
	}
	entries := make([]entry, r.count(9))
	for i := range entries {
		entries[i].rule = int(r.u32())
		entries[i].secondary = r.u8() == 1
		entries[i].cond = r.ref()
		if r.err == nil && entries[i].rule >= numRules {
			return nil, corrupt("list names rule %d of %d", entries[i].rule, numRules)
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	l := &ruleindex.List{}
	if l.Name, err = d.str(name); err != nil {
		return nil, err
	}
	for _, e := range entries {
		n := &ruleindex.Node{Rule: e.rule, Secondary: e.secondary}
		if n.Cond, err = d.cond(e.cond, numRules); err != nil {
			return nil, err
		}
		if n.Secondary && n.Cond == nil {
			return nil, corrupt("list %s: secondary node without an index", l.Name)
		}
		l.Nodes = append(l.Nodes, n)
	}
	d.done(idx, l)
	return l, nil
}

func (d *decoder) space(idx uint32) (*ruleindex.Index, error) {
	r, cached, err := d.open(idx, objSpace)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached.(*ruleindex.Index), nil
	}
	rules := make([]uint32, r.count(4))
	for i := range rules {
		rules[i] = r.ref()
	}
	lists := make([]uint32, r.count(4))
	for i := range lists {
		lists[i] = r.ref()
	}
	if r.err != nil {
		return nil, r.err
	}

	rs := ruleindex.NewRuleSet()
	for _, ri := range rules {
		rd, err := d.rule(ri)
		if err != nil {
			return nil, err
		}
		rs.Append(rd)
	}
	ls := make([]*ruleindex.List, len(lists))
	for i, li := range lists {
		if ls[i], err = d.list(li, rs.Len()); err != nil {
			return nil, err
		}
	}
	x, err := ruleindex.FromLists(rs, ls)
	if err != nil {
		return nil, err
	}
	d.done(idx, x)
	return x, nil
}

func (d *decoder) root(idx uint32) (*Cache, error) {
	r, _, err := d.open(idx, objRoot)
	if err != nil {
		return nil, err
	}
	base := r.ref()
	ts := r.i64()
	core := r.ref()
	app := r.ref()
	names := make([]uint32, 2*r.count(8))
	for i := range names {
		names[i] = r.ref()
	}
	if r.err != nil {
		return nil, r.err
	}

	c := &Cache{UpdateTimestamp: fromUnixNano(ts)}
	if c.RuleBase, err = d.str(base); err != nil {
		return nil, err
	}
	if c.Core, err = d.space(core); err != nil {
		return nil, err
	}
	if c.App, err = d.space(app); err != nil {
		return nil, err
	}
	if len(names) > 0 {
		c.NameMap = make(map[string]string, len(names)/2)
	}
	for i := 0; i < len(names); i += 2 {
		k, err := d.str(names[i])
		if err != nil {
			return nil, err
		}
		v, err := d.str(names[i+1])
		if err != nil {
			return nil, err
		}
		c.NameMap[k] = v
	}
	d.done(idx, c)
	return c, nil
}
