package pagetree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/emberstore/core"
)

const (
	tagInline byte = 0
	tagRaw    byte = 1
)

var errCorruptPage = errors.New("corrupt page")

// encodePage serializes p. Every child slot of a directory must already
// carry a persistent address.
//
// Layout: kind (1) | n (uvarint) | body
//
//	bucket:    n × (keyLen uvarint | key | tag (1) | inline: len uvarint | bytes, raw: addr (8))
//	directory: n × addr (8) | (n-1) × (sepLen uvarint | sep)
func encodePage(p *Page) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(p.kind))
	switch p.kind {
	case KindBucket:
		buf = binary.AppendUvarint(buf, uint64(len(p.keys)))
		for i, k := range p.keys {
			buf = appendBytes(buf, k)
			v := p.vals[i]
			if !v.raw.IsNull() {
				buf = append(buf, tagRaw)
				buf = core.AppendAddress(buf, v.raw)
				continue
			}
			buf = append(buf, tagInline)
			buf = appendBytes(buf, v.inline)
		}
	case KindDirectory:
		buf = binary.AppendUvarint(buf, uint64(len(p.children)))
		for i, s := range p.children {
			if s.addr.IsNull() {
				return nil, &core.InvariantError{Op: "encodePage", Object: p.String(), Detail: fmt.Sprintf("child slot %d has no address", i)}
			}
			buf = core.AppendAddress(buf, s.addr)
		}
		for _, sep := range p.seps {
			buf = appendBytes(buf, sep)
		}
	default:
		return nil, fmt.Errorf("cannot encode page of %s", p.kind)
	}
	return buf, nil
}

// decodePage rebuilds a persistent page read from addr.
func decodePage(addr core.Address, data []byte) (*Page, error) {
	r := &reader{buf: data}
	p := &Page{kind: Kind(r.u8()), addr: addr}
	n := int(r.uvarint())
	switch p.kind {
	case KindBucket:
		p.keys = make([][]byte, 0, n)
		p.vals = make([]value, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			p.keys = append(p.keys, r.blob())
			switch tag := r.u8(); tag {
			case tagInline:
				p.vals = append(p.vals, value{inline: r.blob()})
			case tagRaw:
				p.vals = append(p.vals, value{raw: r.address()})
			default:
				r.fail(fmt.Errorf("unknown value tag %d", tag))
			}
		}
	case KindDirectory:
		if n == 0 {
			r.fail(errors.New("directory without children"))
			break
		}
		p.children = make([]slot, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			p.children = append(p.children, slot{addr: r.address()})
		}
		p.seps = make([][]byte, 0, n-1)
		for i := 0; i < n-1 && r.err == nil; i++ {
			p.seps = append(p.seps, r.blob())
		}
	default:
		r.fail(fmt.Errorf("unknown page kind %d", p.kind))
	}
	if r.err == nil && len(r.buf) != 0 {
		r.fail(fmt.Errorf("%d trailing bytes", len(r.buf)))
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errCorruptPage, addr, r.err)
	}
	return p, nil
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// reader is a sticky-error cursor over an encoded page.
type reader struct {
	buf []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) u8() byte {
	if r.err != nil || len(r.buf) < 1 {
		r.fail(errors.New("short buffer"))
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail(errors.New("bad uvarint"))
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) blob() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.fail(errors.New("short buffer"))
		return nil
	}
	b := bytes.Clone(r.buf[:n])
	r.buf = r.buf[n:]
	return b
}

func (r *reader) address() core.Address {
	if r.err != nil || len(r.buf) < core.AddressSize {
		r.fail(errors.New("short buffer"))
		return core.NullAddress
	}
	a := core.DecodeAddress(r.buf)
	r.buf = r.buf[core.AddressSize:]
	return a
}

// checkpointRecord is the fixed-size record a Checkpoint writes last. It
// names the root of a consistent tree version.
type checkpointRecord struct {
	Magic       uint32
	Version     uint8
	AddressBits uint8
	RawRecords  uint8
	MaxRecLen   uint32
	Root        uint64
	Entries     uint64
	Previous    uint64
	CreatedAt   int64
}

func (c *checkpointRecord) encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, c)
	return buf.Bytes()
}

func decodeCheckpoint(data []byte) (*checkpointRecord, error) {
	var c checkpointRecord
	if len(data) != binary.Size(&c) {
		return nil, fmt.Errorf("checkpoint record has %d bytes, want %d", len(data), binary.Size(&c))
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint record: %w", err)
	}
	if c.Magic != core.CheckpointMagic {
		return nil, fmt.Errorf("invalid checkpoint magic: got %x, want %x", c.Magic, core.CheckpointMagic)
	}
	if c.Version != core.FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", c.Version)
	}
	if c.AddressBits < minAddressBits || c.AddressBits > maxAddressBits {
		return nil, fmt.Errorf("checkpoint address bits %d out of range", c.AddressBits)
	}
	if c.Root == 0 {
		return nil, errors.New("checkpoint has no root")
	}
	return &c, nil
}
