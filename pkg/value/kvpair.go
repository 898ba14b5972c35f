package value

import (
	"sort"
	"strings"
)

// KeyValPairType is the opaque type name of key/value accumulators.
const KeyValPairType = "KeyValPair_PI"

// KeyValPair is an ordered key/value list, filled by dot patterns and the
// key/value microservices.
type KeyValPair struct {
	Keys []string
	Vals []string
}

func NewKeyValPair() *KeyValPair { return &KeyValPair{} }

// Add sets key, replacing an existing entry.
func (kv *KeyValPair) Add(key, val string) {
	for i, k := range kv.Keys {
		if k == key {
			kv.Vals[i] = val
			return
		}
	}
	kv.Keys = append(kv.Keys, key)
	kv.Vals = append(kv.Vals, val)
}

func (kv *KeyValPair) Get(key string) (string, bool) {
	for i, k := range kv.Keys {
		if k == key {
			return kv.Vals[i], true
		}
	}
	return "", false
}

func (kv *KeyValPair) Len() int { return len(kv.Keys) }

// Sort orders the entries by key.
func (kv *KeyValPair) Sort() {
	idx := make([]int, len(kv.Keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return kv.Keys[idx[a]] < kv.Keys[idx[b]] })
	keys := make([]string, len(idx))
	vals := make([]string, len(idx))
	for i, j := range idx {
		keys[i], vals[i] = kv.Keys[j], kv.Vals[j]
	}
	kv.Keys, kv.Vals = keys, vals
}

func (kv *KeyValPair) Clone() *KeyValPair {
	return &KeyValPair{
		Keys: append([]string(nil), kv.Keys...),
		Vals: append([]string(nil), kv.Vals...),
	}
}

func (kv *KeyValPair) Map() map[string]string {
	m := make(map[string]string, len(kv.Keys))
	for i, k := range kv.Keys {
		m[k] = kv.Vals[i]
	}
	return m
}

// String renders the pairs as k=v joined by "++++".
func (kv *KeyValPair) String() string {
	parts := make([]string, len(kv.Keys))
	for i, k := range kv.Keys {
		parts[i] = k + "=" + kv.Vals[i]
	}
	return strings.Join(parts, "++++")
}

// AsKeyValPair returns the accumulator behind v, if v is one.
func (v Value) AsKeyValPair() (*KeyValPair, bool) {
	if v.Kind != KindOpaque || v.S != KeyValPairType {
		return nil, false
	}
	kv, ok := v.Opaque.(*KeyValPair)
	return kv, ok
}
