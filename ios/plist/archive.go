package plist

import (
	"go.ioshost.dev/ioshost/internal/errors"
)

// Archived classnames this module understands at the keyed-archiver layer.
// Anything else decodes to *RawObject, preserving its $classname and field
// dict without interpreting it further.
const (
	ClassNSDictionary = "NSDictionary"
	ClassNSMutableDictionary = "NSMutableDictionary"
	ClassNSArray      = "NSArray"
	ClassNSMutableArray = "NSMutableArray"
	ClassNSSet        = "NSSet"
	ClassNSString     = "NSString"
	ClassNSMutableString = "NSMutableString"
	ClassNSNumber     = "NSNumber"
	ClassNSDate       = "NSDate"
	ClassNSData       = "NSData"
	ClassNSMutableData = "NSMutableData"
	ClassNSURL        = "NSURL"
	ClassNSUUID       = "NSUUID"
	ClassNSError      = "NSError"
	ClassXCTestConfiguration = "XCTestConfiguration"
	ClassDTTapMessage = "DTTapMessage"
)

// ArchivedObject is the tagged-variant node produced by the keyed-archiver
// decoder for any $class entry it recognizes. Class-specific fields live in
// Fields, keyed by the NSCoding key under which they were archived.
type ArchivedObject struct {
	Class  string
	Fields *Dict
}

// RawObject is what an unrecognized $classname decodes to: its archived
// field dict, untouched.
type RawObject struct {
	Class  string
	Fields *Dict
}

// archiveDecoder resolves CF$UID references against a shared $objects table,
// memoizing by object index so a shared or cyclic reference decodes to the
// same Go value every time it is visited (mirroring decoder.decodeAt at the
// raw bplist layer).
type archiveDecoder struct {
	objects []interface{}
	cache   map[int]interface{}
}

// UnmarshalArchive decodes a NSKeyedArchiver-format binary plist (as used by
// XCTestConfiguration and by DTX selectors and raw-archive message objects)
// into its root object graph.
func UnmarshalArchive(data []byte) (interface{}, error) {
	root, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := root.(*Dict)
	if !ok {
		return nil, errors.NewMalformedPlist("plist: archive root is not a dict")
	}
	archiver, _ := dict.Get("$archiver")
	if archiver != "NSKeyedArchiver" {
		return nil, errors.NewMalformedPlist("plist: not a NSKeyedArchiver payload ($archiver=%v)", archiver)
	}
	objectsVal, ok := dict.Get("$objects")
	objectsArr, ok2 := objectsVal.(*Array)
	if !ok || !ok2 {
		return nil, errors.NewMalformedPlist("plist: archive missing $objects array")
	}
	topVal, ok := dict.Get("$top")
	topDict, ok2 := topVal.(*Dict)
	if !ok || !ok2 {
		return nil, errors.NewMalformedPlist("plist: archive missing $top dict")
	}
	rootRef, ok := topDict.Get("root")
	if !ok {
		return nil, errors.NewMalformedPlist("plist: archive $top has no root entry")
	}

	d := &archiveDecoder{
		objects: objectsArr.Items,
		cache:   map[int]interface{}{},
	}
	return d.resolve(rootRef)
}

// resolve interprets v: a UID resolves through $objects, an inline
// container (a class description's $classes, an NS.keys or NS.objects
// array) has its contents resolved in place, and anything else (archived
// dicts can embed raw primitives directly) passes through.
func (d *archiveDecoder) resolve(v interface{}) (interface{}, error) {
	uid, ok := v.(UID)
	if !ok {
		switch v.(type) {
		case *Dict, *Array, *Set:
			// An inline container has no $objects index of its own; it is
			// cached under -1, which no UID lookup below ever reads.
			return d.resolveAt(-1, v)
		}
		return d.interpret(v)
	}
	idx := int(uid)
	if idx < 0 || idx >= len(d.objects) {
		return nil, errors.NewMalformedPlist("plist: archive $objects index %d out of range", idx)
	}
	if cached, ok := d.cache[idx]; ok {
		return cached, nil
	}
	return d.resolveAt(idx, d.objects[idx])
}

// resolveAt decodes $objects[idx]. For every container shape (a plain
// dict, a $class dict, an array, or a set) it caches a placeholder with
// the container already allocated before recursing into its contents, so
// a cyclic reference back to idx finds that same pointer in d.cache and
// returns it immediately instead of recursing forever; the container's
// fields/items are filled in afterward, which Go's pointer semantics make
// visible through every copy of the placeholder already handed out. This
// mirrors decodeAt's own container pre-caching at the raw bplist layer.
func (d *archiveDecoder) resolveAt(idx int, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case *Dict:
		classRef, hasClass := t.Get("$class")
		if !hasClass {
			// A plain archived dict with no $class marker: resolve its
			// values and return as-is.
			out := NewDict()
			d.cache[idx] = out
			for _, k := range t.Keys() {
				val, _ := t.Get(k)
				rv, err := d.resolve(val)
				if err != nil {
					return nil, err
				}
				out.Set(k, rv)
			}
			return out, nil
		}
		classDictVal, err := d.resolve(classRef)
		if err != nil {
			return nil, err
		}
		classname, err := classnameOf(classDictVal)
		if err != nil {
			return nil, err
		}
		fields := NewDict()
		var result interface{}
		if isKnownClass(classname) {
			result = &ArchivedObject{Class: classname, Fields: fields}
		} else {
			result = &RawObject{Class: classname, Fields: fields}
		}
		d.cache[idx] = result
		for _, k := range t.Keys() {
			if k == "$class" {
				continue
			}
			val, _ := t.Get(k)
			rv, err := d.resolve(val)
			if err != nil {
				return nil, err
			}
			fields.Set(k, rv)
		}
		return result, nil
	case *Array:
		out := &Array{Items: make([]interface{}, len(t.Items))}
		d.cache[idx] = out
		for i, item := range t.Items {
			rv, err := d.resolve(item)
			if err != nil {
				return nil, err
			}
			out.Items[i] = rv
		}
		return out, nil
	case *Set:
		out := &Set{Items: make([]interface{}, len(t.Items))}
		d.cache[idx] = out
		for i, item := range t.Items {
			rv, err := d.resolve(item)
			if err != nil {
				return nil, err
			}
			out.Items[i] = rv
		}
		return out, nil
	default:
		resolved, err := d.interpret(v)
		if err != nil {
			return nil, err
		}
		d.cache[idx] = resolved
		return resolved, nil
	}
}

// interpret turns a raw decoded bplist value with no container identity of
// its own (a string, number, or other scalar) into its archive-layer
// representation. Containers go through resolveAt instead, since they need
// a cache entry allocated before their contents are resolved.
func (d *archiveDecoder) interpret(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if t == "$null" {
			return nil, nil
		}
		return t, nil
	case *Dict, *Array, *Set:
		return nil, errors.NewMalformedPlist("plist: archive container reached interpret() without an index")
	default:
		return v, nil
	}
}

// classnameOf reads $classname out of a class-description dict (itself a
// $objects entry shaped like {$classes: [...], $classname: "..."}).
func classnameOf(v interface{}) (string, error) {
	dict, ok := v.(*Dict)
	if !ok {
		return "", errors.NewMalformedPlist("plist: $class entry is not a dict")
	}
	name, ok := dict.Get("$classname")
	if !ok {
		return "", errors.NewMalformedPlist("plist: class description missing $classname")
	}
	s, ok := name.(string)
	if !ok {
		return "", errors.NewMalformedPlist("plist: $classname is not a string")
	}
	return s, nil
}

func isKnownClass(name string) bool {
	switch name {
	case ClassNSDictionary, ClassNSMutableDictionary, ClassNSArray, ClassNSMutableArray,
		ClassNSSet, ClassNSString, ClassNSMutableString, ClassNSNumber, ClassNSDate,
		ClassNSData, ClassNSMutableData, ClassNSURL, ClassNSUUID, ClassNSError,
		ClassXCTestConfiguration, ClassDTTapMessage:
		return true
	default:
		return false
	}
}
