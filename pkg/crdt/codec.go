package crdt

import (
	"encoding/binary"
	"unicode/utf8"
)

// Wire formats. Updates and states are distinct payloads and carry distinct
// leading format bytes so a state blob handed to ApplyUpdate fails cleanly.
const (
	updateFormat byte = 0x01
	stateFormat  byte = 0x02
)

const (
	opInsert byte = 1
	opDelete byte = 2
)

type op struct {
	kind byte
	ins  insOp
	del  delOp
}

func encodeOps(ops []op) []byte {
	buf := make([]byte, 0, 1+len(ops)*8)
	buf = append(buf, updateFormat)
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, o.kind)
		switch o.kind {
		case opInsert:
			buf = binary.AppendUvarint(buf, o.ins.id.Site)
			buf = binary.AppendUvarint(buf, o.ins.id.Clock)
			buf = binary.AppendUvarint(buf, o.ins.parent.Site)
			buf = binary.AppendUvarint(buf, o.ins.parent.Clock)
			buf = binary.AppendUvarint(buf, uint64(o.ins.r))
		case opDelete:
			buf = binary.AppendUvarint(buf, o.del.target.Site)
			buf = binary.AppendUvarint(buf, o.del.target.Clock)
		}
	}
	return buf
}

func decodeOps(data []byte) ([]op, error) {
	if len(data) == 0 {
		return nil, malformed("empty update")
	}
	if data[0] != updateFormat {
		return nil, malformed("unknown update format 0x%02x", data[0])
	}
	off := 1

	count, err := readUvarint(data, &off)
	if err != nil {
		return nil, err
	}
	// Every operation takes at least three bytes, so a count larger than the
	// remaining payload is corrupt. Checked before allocating.
	if count > uint64(len(data)-off) {
		return nil, malformed("operation count %d exceeds payload", count)
	}

	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		if off >= len(data) {
			return nil, malformed("truncated update at operation %d", i)
		}
		kind := data[off]
		off++
		switch kind {
		case opInsert:
			var in insOp
			if in.id.Site, err = readUvarint(data, &off); err != nil {
				return nil, err
			}
			if in.id.Clock, err = readUvarint(data, &off); err != nil {
				return nil, err
			}
			if in.parent.Site, err = readUvarint(data, &off); err != nil {
				return nil, err
			}
			if in.parent.Clock, err = readUvarint(data, &off); err != nil {
				return nil, err
			}
			r, err := readUvarint(data, &off)
			if err != nil {
				return nil, err
			}
			if in.id.Site == 0 {
				return nil, malformed("insert with reserved site 0")
			}
			if r > utf8.MaxRune || !utf8.ValidRune(rune(r)) {
				return nil, malformed("invalid rune %#x", r)
			}
			in.r = rune(r)
			ops = append(ops, op{kind: opInsert, ins: in})
		case opDelete:
			var del delOp
			if del.target.Site, err = readUvarint(data, &off); err != nil {
				return nil, err
			}
			if del.target.Clock, err = readUvarint(data, &off); err != nil {
				return nil, err
			}
			if del.target.Site == 0 {
				return nil, malformed("delete targeting reserved site 0")
			}
			ops = append(ops, op{kind: opDelete, del: del})
		default:
			return nil, malformed("unknown operation kind %d", kind)
		}
	}
	if off != len(data) {
		return nil, malformed("%d trailing bytes after %d operations", len(data)-off, count)
	}
	return ops, nil
}

// concatUpdates merges two encoded updates into one frame, preserving order.
// Both inputs must be well-formed frames produced by encodeOps.
func concatUpdates(a, b []byte) []byte {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	offA := 1
	countA, _ := readUvarint(a, &offA)
	offB := 1
	countB, _ := readUvarint(b, &offB)

	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, updateFormat)
	buf = binary.AppendUvarint(buf, countA+countB)
	buf = append(buf, a[offA:]...)
	buf = append(buf, b[offB:]...)
	return buf
}

// EncodeState serializes the full document, tombstones included, in an order
// where every parent precedes its children. DecodeState on the result yields
// an equivalent replica.
func (d *Doc) EncodeState() []byte {
	buf := make([]byte, 0, 2+len(d.nodes)*8)
	buf = append(buf, stateFormat)
	buf = binary.AppendUvarint(buf, uint64(len(d.nodes)-1))
	d.walk(func(n *node) {
		buf = binary.AppendUvarint(buf, n.id.Site)
		buf = binary.AppendUvarint(buf, n.id.Clock)
		buf = binary.AppendUvarint(buf, n.parent.Site)
		buf = binary.AppendUvarint(buf, n.parent.Clock)
		buf = binary.AppendUvarint(buf, uint64(n.r))
		if n.deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	})
	return buf
}

// DecodeState reconstructs a document from EncodeState output. The new
// replica edits under the given site.
func DecodeState(site uint64, data []byte) (*Doc, error) {
	if len(data) == 0 {
		return nil, malformed("empty state")
	}
	if data[0] != stateFormat {
		return nil, malformed("unknown state format 0x%02x", data[0])
	}
	off := 1

	count, err := readUvarint(data, &off)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)-off) {
		return nil, malformed("node count %d exceeds payload", count)
	}

	d := NewWithSite(site)
	for i := uint64(0); i < count; i++ {
		var in insOp
		var deleted bool
		if in.id.Site, err = readUvarint(data, &off); err != nil {
			return nil, err
		}
		if in.id.Clock, err = readUvarint(data, &off); err != nil {
			return nil, err
		}
		if in.parent.Site, err = readUvarint(data, &off); err != nil {
			return nil, err
		}
		if in.parent.Clock, err = readUvarint(data, &off); err != nil {
			return nil, err
		}
		r, err := readUvarint(data, &off)
		if err != nil {
			return nil, err
		}
		if off >= len(data) {
			return nil, malformed("truncated state at node %d", i)
		}
		switch data[off] {
		case 0:
		case 1:
			deleted = true
		default:
			return nil, malformed("invalid tombstone flag %d", data[off])
		}
		off++

		if in.id.Site == 0 {
			return nil, malformed("state node with reserved site 0")
		}
		if r > utf8.MaxRune || !utf8.ValidRune(rune(r)) {
			return nil, malformed("invalid rune %#x in state", r)
		}
		in.r = rune(r)

		if _, exists := d.nodes[in.id]; exists {
			return nil, malformed("duplicate node %v in state", in.id)
		}
		if _, ok := d.nodes[in.parent]; !ok {
			return nil, malformed("node %v references unknown parent %v", in.id, in.parent)
		}
		d.applyInsertReady(in)
		if deleted {
			d.nodes[in.id].deleted = true
		}
	}
	if off != len(data) {
		return nil, malformed("%d trailing bytes after state", len(data)-off)
	}
	d.textDirty = true
	return d, nil
}

func readUvarint(data []byte, off *int) (uint64, error) {
	v, n := binary.Uvarint(data[*off:])
	if n <= 0 {
		return 0, malformed("truncated varint at offset %d", *off)
	}
	*off += n
	return v, nil
}
