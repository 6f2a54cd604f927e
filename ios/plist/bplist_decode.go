package plist

import (
	"encoding/binary"
	"math"
	"time"

	"go.ioshost.dev/ioshost/internal/errors"
)

// appleEpoch is 2001-01-01T00:00:00Z, the zero point for bplist date values.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

const bplistMagic = "bplist00"

// decoder holds the state needed to resolve object-table references while
// walking a binary plist.
type decoder struct {
	data        []byte
	offsets     []uint64 // object index -> byte offset
	offsetSize  int
	objRefSize  int
	cache       map[int]interface{}
	inProgress  map[int]bool
}

// Unmarshal decodes a binary property list into a native Go value tree
// (see the package doc for the type set).
func Unmarshal(data []byte) (v interface{}, err error) {
	if len(data) < 8+32 || string(data[:8]) != bplistMagic {
		return nil, errors.NewMalformedPlist("plist: missing bplist00 header")
	}
	// A length, offset or reference pointing past the end of data makes a
	// slice expression in decodeAt panic; report that as malformed input.
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, errors.NewMalformedPlist("plist: truncated or corrupt data: %v", r)
		}
	}()
	trailer := data[len(data)-32:]
	offsetSize := int(trailer[6])
	objRefSize := int(trailer[7])
	numObjects := binary.BigEndian.Uint64(trailer[8:16])
	topObject := binary.BigEndian.Uint64(trailer[16:24])
	offsetTableOffset := binary.BigEndian.Uint64(trailer[24:32])
	if offsetSize == 0 || objRefSize == 0 {
		return nil, errors.NewMalformedPlist("plist: zero-sized offset or ref field in trailer")
	}
	if numObjects > uint64(len(data)) {
		return nil, errors.NewMalformedPlist("plist: trailer declares %d objects in %d bytes", numObjects, len(data))
	}

	d := &decoder{
		data:       data,
		offsetSize: offsetSize,
		objRefSize: objRefSize,
		cache:      map[int]interface{}{},
		inProgress: map[int]bool{},
	}

	offsets := make([]uint64, numObjects)
	base := offsetTableOffset
	for i := uint64(0); i < numObjects; i++ {
		start := base + i*uint64(offsetSize)
		if start+uint64(offsetSize) > uint64(len(data)) {
			return nil, errors.NewMalformedPlist("plist: offset table runs past end of data")
		}
		offsets[i] = readUint(data[start:start+uint64(offsetSize)], offsetSize)
	}
	d.offsets = offsets

	if topObject >= numObjects {
		return nil, errors.NewMalformedPlist("plist: top object index %d out of range", topObject)
	}
	return d.decodeAt(int(topObject))
}

func readUint(b []byte, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// decodeAt decodes the object at table index idx, memoizing by index so
// that repeated references to the same index return the identical Go value
// (and, for containers, the identical pointer).
func (d *decoder) decodeAt(idx int) (interface{}, error) {
	if v, ok := d.cache[idx]; ok {
		return v, nil
	}
	if idx < 0 || idx >= len(d.offsets) {
		return nil, errors.NewMalformedPlist("plist: object index %d out of range", idx)
	}
	if d.inProgress[idx] {
		return nil, errors.NewMalformedPlist("plist: unsupported cycle in raw object table at index %d", idx)
	}
	d.inProgress[idx] = true
	defer delete(d.inProgress, idx)

	off := d.offsets[idx]
	if off >= uint64(len(d.data)) {
		return nil, errors.NewMalformedPlist("plist: object offset %d out of range", off)
	}
	marker := d.data[off]
	kind := marker >> 4
	extra := int(marker & 0x0F)

	switch kind {
	case 0x0:
		switch marker {
		case 0x00:
			d.cache[idx] = nil
			return nil, nil
		case 0x08:
			d.cache[idx] = false
			return false, nil
		case 0x09:
			d.cache[idx] = true
			return true, nil
		default:
			return nil, errors.NewMalformedPlist("plist: unsupported singleton marker 0x%02x", marker)
		}
	case 0x1:
		n := 1 << extra
		raw := d.data[off+1 : off+1+uint64(n)]
		var v int64
		switch n {
		case 1:
			v = int64(int8(raw[0]))
		case 2:
			v = int64(int16(binary.BigEndian.Uint16(raw)))
		case 4:
			v = int64(int32(binary.BigEndian.Uint32(raw)))
		case 8:
			v = int64(binary.BigEndian.Uint64(raw))
		default:
			// 16-byte (or larger) integers: preserve the raw big-endian
			// magnitude, low 64 bits, since no bplist producer in this
			// domain emits values needing more precision.
			v = int64(binary.BigEndian.Uint64(raw[n-8:]))
		}
		d.cache[idx] = v
		return v, nil
	case 0x2:
		n := 1 << extra
		raw := d.data[off+1 : off+1+uint64(n)]
		var v float64
		if n == 4 {
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))
		} else {
			v = math.Float64frombits(binary.BigEndian.Uint64(raw))
		}
		d.cache[idx] = v
		return v, nil
	case 0x3:
		if extra != 3 {
			return nil, errors.NewMalformedPlist("plist: unsupported date marker 0x%02x", marker)
		}
		raw := d.data[off+1 : off+9]
		secs := math.Float64frombits(binary.BigEndian.Uint64(raw))
		t := appleEpoch.Add(time.Duration(secs * float64(time.Second)))
		d.cache[idx] = t
		return t, nil
	case 0x4:
		n, body, err := d.readCountedBody(off, extra)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		copy(b, body)
		d.cache[idx] = b
		return b, nil
	case 0x5:
		n, body, err := d.readCountedBody(off, extra)
		if err != nil {
			return nil, err
		}
		s := string(body[:n])
		d.cache[idx] = s
		return s, nil
	case 0x6:
		n, body, err := d.readCountedBody(off, extra)
		if err != nil {
			return nil, err
		}
		s, err := decodeUTF16BE(body[:n*2])
		if err != nil {
			return nil, err
		}
		d.cache[idx] = s
		return s, nil
	case 0x8:
		n := extra + 1
		raw := d.data[off+1 : off+1+uint64(n)]
		v := UID(readUint(raw, n))
		d.cache[idx] = v
		return v, nil
	case 0xA, 0xC:
		count, refsOff, err := d.readCount(off, extra)
		if err != nil {
			return nil, err
		}
		items := make([]interface{}, count)
		// Register the container before recursing so self-referential
		// graphs (permitted at the keyed-archiver layer) don't loop.
		var container interface{}
		if kind == 0xA {
			a := &Array{Items: items}
			container = a
		} else {
			s := &Set{Items: items}
			container = s
		}
		d.cache[idx] = container
		for i := 0; i < count; i++ {
			refIdx := int(readUint(d.data[refsOff:], d.objRefSize))
			refsOff += uint64(d.objRefSize)
			v, err := d.decodeAt(refIdx)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return container, nil
	case 0xD:
		count, keysOff, err := d.readCount(off, extra)
		if err != nil {
			return nil, err
		}
		valsOff := keysOff + uint64(count*d.objRefSize)
		dict := NewDict()
		d.cache[idx] = dict
		keyRefs := make([]int, count)
		for i := 0; i < count; i++ {
			keyRefs[i] = int(readUint(d.data[keysOff:], d.objRefSize))
			keysOff += uint64(d.objRefSize)
		}
		for i := 0; i < count; i++ {
			valRef := int(readUint(d.data[valsOff:], d.objRefSize))
			valsOff += uint64(d.objRefSize)
			kv, err := d.decodeAt(keyRefs[i])
			if err != nil {
				return nil, err
			}
			key, ok := kv.(string)
			if !ok {
				return nil, errors.NewMalformedPlist("plist: dict key at index %d is not a string", keyRefs[i])
			}
			vv, err := d.decodeAt(valRef)
			if err != nil {
				return nil, err
			}
			dict.Set(key, vv)
		}
		return dict, nil
	default:
		return nil, errors.NewMalformedPlist("plist: unsupported object marker 0x%02x", marker)
	}
}

// readCount reads a possibly-extended length nibble at off and returns the
// count plus the byte offset immediately following the length encoding.
func (d *decoder) readCount(off uint64, extra int) (int, uint64, error) {
	if extra != 0x0F {
		return extra, off + 1, nil
	}
	if off+1 >= uint64(len(d.data)) {
		return 0, 0, errors.NewMalformedPlist("plist: truncated extended length at offset %d", off)
	}
	lenMarker := d.data[off+1]
	if lenMarker>>4 != 0x1 {
		return 0, 0, errors.NewMalformedPlist("plist: extended length marker 0x%02x is not an int", lenMarker)
	}
	n := 1 << (lenMarker & 0x0F)
	raw := d.data[off+2 : off+2+uint64(n)]
	return int(readUint(raw, n)), off + 2 + uint64(n), nil
}

// readCountedBody is readCount plus the slice of the body bytes that follow
// the (possibly extended) length encoding, for data/string primitives.
func (d *decoder) readCountedBody(off uint64, extra int) (int, []byte, error) {
	count, bodyOff, err := d.readCount(off, extra)
	if err != nil {
		return 0, nil, err
	}
	return count, d.data[bodyOff:], nil
}
