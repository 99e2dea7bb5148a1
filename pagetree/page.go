package pagetree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/INLOpen/emberstore/core"
)

// Kind distinguishes the two page variants.
type Kind uint8

const (
	KindBucket    Kind = 1
	KindDirectory Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindBucket:
		return "bucket"
	case KindDirectory:
		return "directory"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// value is a bucket entry. Exactly one of inline or raw is meaningful:
// a non-null raw address means the bytes live in a raw record.
type value struct {
	inline []byte
	raw    core.Address
}

// slot is a directory child reference. addr is the child's persistent
// address (null while the child is mutable); page is the materialized child,
// which may be dropped again once the child is clean and cold.
type slot struct {
	addr core.Address
	page *Page
}

// Page is a Directory or Bucket node of a Tree.
//
// A page with a non-null address and dirty == false is immutable: the tree
// clones it before any mutation. A dirty page always has a dirty parent or
// is the root.
type Page struct {
	kind     Kind
	addr     core.Address
	dirty    bool
	refs     int
	detached bool
	parent   *Page

	// Bucket
	keys [][]byte
	vals []value

	// Directory: len(seps) == len(children)-1; children[i] holds keys
	// k with seps[i-1] <= k < seps[i].
	seps     [][]byte
	children []slot
}

func newBucket() *Page {
	return &Page{kind: KindBucket, dirty: true}
}

func newDirectory() *Page {
	return &Page{kind: KindDirectory, dirty: true}
}

// AddRef adjusts the retention reference count and returns the new value.
func (p *Page) AddRef(delta int) int {
	p.refs += delta
	return p.refs
}

func (p *Page) Kind() Kind { return p.kind }
func (p *Page) Address() core.Address { return p.addr }
func (p *Page) IsDirty() bool { return p.dirty }
func (p *Page) IsPersistent() bool { return !p.addr.IsNull() && !p.dirty }
func (p *Page) RefCount() int { return p.refs }
func (p *Page) IsDetached() bool { return p.detached }
func (p *Page) IsBucket() bool { return p.kind == KindBucket }

// Len returns the number of entries (bucket) or children (directory).
func (p *Page) Len() int {
	if p.kind == KindBucket {
		return len(p.keys)
	}
	return len(p.children)
}

// ChildAddress returns the persistent address recorded in child slot i.
func (p *Page) ChildAddress(i int) core.Address {
	return p.children[i].addr
}

// Child returns the materialized child in slot i, or nil if it is only
// known by address.
func (p *Page) Child(i int) *Page {
	return p.children[i].page
}

func (p *Page) String() string {
	state := "mutable"
	if p.IsPersistent() {
		state = "persistent"
	}
	return fmt.Sprintf("%s@%s[%s,n=%d,refs=%d]", p.kind, p.addr, state, p.Len(), p.refs)
}

// find returns the index of key in a bucket and whether it is present.
func (p *Page) find(key []byte) (int, bool) {
	i := sort.Search(len(p.keys), func(i int) bool {
		return bytes.Compare(p.keys[i], key) >= 0
	})
	return i, i < len(p.keys) && bytes.Equal(p.keys[i], key)
}

// childIndex returns the directory slot whose range holds key.
func (p *Page) childIndex(key []byte) int {
	return sort.Search(len(p.seps), func(i int) bool {
		return bytes.Compare(p.seps[i], key) > 0
	})
}

// clone returns a mutable copy sharing key and value bytes, which are never
// modified in place. Materialized children are shared with the original.
func (p *Page) clone() *Page {
	c := &Page{kind: p.kind, dirty: true}
	switch p.kind {
	case KindBucket:
		c.keys = append(make([][]byte, 0, len(p.keys)+1), p.keys...)
		c.vals = append(make([]value, 0, len(p.vals)+1), p.vals...)
	case KindDirectory:
		c.seps = append(make([][]byte, 0, len(p.seps)+1), p.seps...)
		c.children = append(make([]slot, 0, len(p.children)+1), p.children...)
	}
	return c
}

// slotOf returns the slot index holding child, or -1.
func (p *Page) slotOf(child *Page) int {
	for i := range p.children {
		if p.children[i].page == child {
			return i
		}
	}
	return -1
}

// splitBucket moves the upper half of p into a new bucket and returns it
// with its first key as separator.
func (p *Page) splitBucket() (*Page, []byte) {
	mid := len(p.keys) / 2
	right := newBucket()
	right.keys = append(right.keys, p.keys[mid:]...)
	right.vals = append(right.vals, p.vals[mid:]...)
	p.keys = p.keys[:mid:mid]
	p.vals = p.vals[:mid:mid]
	return right, right.keys[0]
}

// splitDirectory moves the upper half of p's children into a new directory
// and returns it with the promoted separator.
func (p *Page) splitDirectory() (*Page, []byte) {
	mid := len(p.children) / 2
	sep := p.seps[mid-1]
	right := newDirectory()
	right.children = append(right.children, p.children[mid:]...)
	right.seps = append(right.seps, p.seps[mid:]...)
	for _, s := range right.children {
		if s.page != nil {
			s.page.parent = right
		}
	}
	p.children = p.children[:mid:mid]
	p.seps = p.seps[: mid-1 : mid-1]
	return right, sep
}

// removeChild unlinks slot i together with the separator bounding it.
func (p *Page) removeChild(i int) {
	p.children = append(p.children[:i], p.children[i+1:]...)
	switch {
	case len(p.seps) == 0:
	case i == 0:
		p.seps = p.seps[1:]
	default:
		p.seps = append(p.seps[:i-1], p.seps[i:]...)
	}
}
