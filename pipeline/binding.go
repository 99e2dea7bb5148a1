package pipeline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Var names a variable in a solution.
type Var string

// BindingSet is one solution: a partial mapping from variables to values.
type BindingSet map[Var][]byte

// NewBindingSet builds a solution from alternating variable/value pairs.
func NewBindingSet(pairs ...any) BindingSet {
	bs := make(BindingSet, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(Var)
		switch v := pairs[i+1].(type) {
		case []byte:
			bs[name] = v
		case string:
			bs[name] = []byte(v)
		}
	}
	return bs
}

// Get returns the value bound to v, if any.
func (bs BindingSet) Get(v Var) ([]byte, bool) {
	val, ok := bs[v]
	return val, ok
}

// Copy returns a shallow copy; values are shared and must not be mutated.
func (bs BindingSet) Copy() BindingSet {
	out := make(BindingSet, len(bs))
	for k, v := range bs {
		out[k] = v
	}
	return out
}

// Project returns a solution holding only the bindings for vars.
func (bs BindingSet) Project(vars []Var) BindingSet {
	out := make(BindingSet, len(vars))
	for _, v := range vars {
		if val, ok := bs[v]; ok {
			out[v] = val
		}
	}
	return out
}

func (bs BindingSet) Equal(other BindingSet) bool {
	if len(bs) != len(other) {
		return false
	}
	for k, v := range bs {
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Key encodes the bindings of vars, in the given order, so that two
// solutions agree on vars exactly when their keys are equal. Each variable
// contributes a presence byte and, when bound, a length-prefixed value.
func (bs BindingSet) Key(vars []Var) []byte {
	var buf []byte
	for _, v := range vars {
		val, ok := bs[v]
		if !ok {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = binary.AppendUvarint(buf, uint64(len(val)))
		buf = append(buf, val...)
	}
	return buf
}

func (bs BindingSet) String() string {
	names := make([]string, 0, len(bs))
	for k := range bs {
		names = append(names, string(k))
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%s", n, bs[Var(n)])
	}
	sb.WriteByte('}')
	return sb.String()
}
