package plist

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"go.ioshost.dev/ioshost/internal/errors"
)

type dictRefs struct {
	keys []int
	vals []int
}

// encoder walks a decoded value tree once to assign each distinct object a
// table index (deduping by pointer identity for containers, so a shared or
// cyclic graph re-encodes to a single $objects-style entry), then serializes
// each object's bytes in a second pass.
type encoder struct {
	objects   []interface{}
	ptrIndex  map[interface{}]int
	arrayRefs map[*Array][]int
	setRefs   map[*Set][]int
	dictRefs  map[*Dict]*dictRefs
}

// Marshal encodes v as a binary property list.
func Marshal(v interface{}) ([]byte, error) {
	e := &encoder{
		ptrIndex:  map[interface{}]int{},
		arrayRefs: map[*Array][]int{},
		setRefs:   map[*Set][]int{},
		dictRefs:  map[*Dict]*dictRefs{},
	}
	top, err := e.walk(v)
	if err != nil {
		return nil, err
	}
	return e.serialize(top)
}

func (e *encoder) walk(v interface{}) (int, error) {
	switch t := v.(type) {
	case *Array:
		if idx, ok := e.ptrIndex[t]; ok {
			return idx, nil
		}
		idx := len(e.objects)
		e.objects = append(e.objects, t)
		e.ptrIndex[t] = idx
		refs := make([]int, len(t.Items))
		e.arrayRefs[t] = refs
		for i, item := range t.Items {
			ci, err := e.walk(item)
			if err != nil {
				return 0, err
			}
			refs[i] = ci
		}
		return idx, nil
	case *Set:
		if idx, ok := e.ptrIndex[t]; ok {
			return idx, nil
		}
		idx := len(e.objects)
		e.objects = append(e.objects, t)
		e.ptrIndex[t] = idx
		refs := make([]int, len(t.Items))
		e.setRefs[t] = refs
		for i, item := range t.Items {
			ci, err := e.walk(item)
			if err != nil {
				return 0, err
			}
			refs[i] = ci
		}
		return idx, nil
	case *Dict:
		if idx, ok := e.ptrIndex[t]; ok {
			return idx, nil
		}
		idx := len(e.objects)
		e.objects = append(e.objects, t)
		e.ptrIndex[t] = idx
		keys := t.Keys()
		refs := &dictRefs{keys: make([]int, len(keys)), vals: make([]int, len(keys))}
		e.dictRefs[t] = refs
		for i, k := range keys {
			ki, err := e.walk(k)
			if err != nil {
				return 0, err
			}
			refs.keys[i] = ki
			val, _ := t.Get(k)
			vi, err := e.walk(val)
			if err != nil {
				return 0, err
			}
			refs.vals[i] = vi
		}
		return idx, nil
	default:
		idx := len(e.objects)
		e.objects = append(e.objects, v)
		return idx, nil
	}
}

func minBytesForUint(max uint64) int {
	switch {
	case max <= 0xFF:
		return 1
	case max <= 0xFFFF:
		return 2
	case max <= 0xFFFFFFFF:
		return 4
	default:
		return 8
	}
}

func (e *encoder) serialize(topIdx int) ([]byte, error) {
	objRefSize := minBytesForUint(uint64(len(e.objects)))

	var body bytes.Buffer
	offsets := make([]uint64, len(e.objects))
	for i, obj := range e.objects {
		offsets[i] = uint64(body.Len())
		b, err := e.encodeObject(obj, objRefSize)
		if err != nil {
			return nil, err
		}
		body.Write(b)
	}

	headerLen := uint64(8)
	offsetTableOffset := headerLen + uint64(body.Len())
	var maxOffset uint64
	for _, off := range offsets {
		if headerLen+off > maxOffset {
			maxOffset = headerLen + off
		}
	}
	offsetSize := minBytesForUint(maxOffset)

	var out bytes.Buffer
	out.WriteString(bplistMagic)
	out.Write(body.Bytes())
	for _, off := range offsets {
		writeUint(&out, headerLen+off, offsetSize)
	}

	trailer := make([]byte, 32)
	trailer[6] = byte(offsetSize)
	trailer[7] = byte(objRefSize)
	binary.BigEndian.PutUint64(trailer[8:16], uint64(len(e.objects)))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(topIdx))
	binary.BigEndian.PutUint64(trailer[24:32], offsetTableOffset)
	out.Write(trailer)

	return out.Bytes(), nil
}

func writeUint(buf *bytes.Buffer, v uint64, size int) {
	b := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	buf.Write(b)
}

func (e *encoder) encodeObject(v interface{}, objRefSize int) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte{0x00}, nil
	case bool:
		if t {
			return []byte{0x09}, nil
		}
		return []byte{0x08}, nil
	case UID:
		n := minBytesForUint(uint64(t))
		buf := &bytes.Buffer{}
		buf.WriteByte(byte(0x80 | (n - 1)))
		writeUint(buf, uint64(t), n)
		return buf.Bytes(), nil
	case time.Time:
		buf := &bytes.Buffer{}
		buf.WriteByte(0x33)
		secs := t.Sub(appleEpoch).Seconds()
		binary.Write(buf, binary.BigEndian, secs)
		return buf.Bytes(), nil
	case []byte:
		return encodeCounted(0x4, len(t), t), nil
	case string:
		if isASCII(t) {
			return encodeCounted(0x5, len(t), []byte(t)), nil
		}
		wide, err := encodeUTF16BE(t)
		if err != nil {
			return nil, err
		}
		return encodeCounted(0x6, len(wide)/2, wide), nil
	case *Array:
		return encodeRefs(0xA, e.arrayRefs[t], objRefSize), nil
	case *Set:
		return encodeRefs(0xC, e.setRefs[t], objRefSize), nil
	case *Dict:
		refs := e.dictRefs[t]
		buf := &bytes.Buffer{}
		writeLengthMarker(buf, 0xD, len(refs.keys))
		for _, r := range refs.keys {
			writeUint(buf, uint64(r), objRefSize)
		}
		for _, r := range refs.vals {
			writeUint(buf, uint64(r), objRefSize)
		}
		return buf.Bytes(), nil
	default:
		iv, ok := toInt64(v)
		if ok {
			return encodeInt(iv), nil
		}
		fv, ok := toFloat64(v)
		if ok {
			buf := &bytes.Buffer{}
			buf.WriteByte(0x23)
			binary.Write(buf, binary.BigEndian, math.Float64bits(fv))
			return buf.Bytes(), nil
		}
		return nil, errors.NewMalformedPlist("plist: cannot encode value of type %T", v)
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func encodeInt(v int64) []byte {
	buf := &bytes.Buffer{}
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		buf.WriteByte(0x10)
		buf.WriteByte(byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		buf.WriteByte(0x11)
		binary.Write(buf, binary.BigEndian, int16(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf.WriteByte(0x12)
		binary.Write(buf, binary.BigEndian, int32(v))
	default:
		buf.WriteByte(0x13)
		binary.Write(buf, binary.BigEndian, v)
	}
	return buf.Bytes()
}

func encodeCounted(kind byte, n int, body []byte) []byte {
	buf := &bytes.Buffer{}
	writeLengthMarker(buf, kind, n)
	buf.Write(body)
	return buf.Bytes()
}

func encodeRefs(kind byte, refs []int, objRefSize int) []byte {
	buf := &bytes.Buffer{}
	writeLengthMarker(buf, kind, len(refs))
	for _, r := range refs {
		writeUint(buf, uint64(r), objRefSize)
	}
	return buf.Bytes()
}

func writeLengthMarker(buf *bytes.Buffer, kind byte, n int) {
	if n < 0x0F {
		buf.WriteByte(kind<<4 | byte(n))
		return
	}
	buf.WriteByte(kind<<4 | 0x0F)
	intBytes := encodeInt(int64(n))
	buf.Write(intBytes)
}
