package plist

// ArchiveBuilder assembles a NSKeyedArchiver-format $objects table. It
// mirrors, in reverse, what archiveDecoder does when reading one: plain
// value types (strings, numbers, data, booleans) are written directly into
// $objects, while class instances get a {$class, ...fields} dict plus a
// shared class-description entry.
type ArchiveBuilder struct {
	objects    []interface{}
	classCache map[string]UID
}

// NewArchiveBuilder starts a new archive with the mandatory $null object 0.
func NewArchiveBuilder() *ArchiveBuilder {
	return &ArchiveBuilder{
		objects:    []interface{}{"$null"},
		classCache: map[string]UID{},
	}
}

func (b *ArchiveBuilder) push(v interface{}) UID {
	idx := UID(len(b.objects))
	b.objects = append(b.objects, v)
	return idx
}

// classRef returns the shared $class description entry for name, creating
// it (with the given NSCoding superclass chain) on first use.
func (b *ArchiveBuilder) classRef(name string, superclasses ...string) UID {
	if uid, ok := b.classCache[name]; ok {
		return uid
	}
	classes := NewArray(name)
	for _, s := range superclasses {
		classes.Items = append(classes.Items, s)
	}
	d := NewDict()
	d.Set("$classes", classes)
	d.Set("$classname", name)
	uid := b.push(d)
	b.classCache[name] = uid
	return uid
}

// AddString archives a string as a bare $objects entry, matching how
// NSKeyedArchiver stores immutable NSString values.
func (b *ArchiveBuilder) AddString(s string) UID { return b.push(s) }

// AddInt archives an integer NSNumber payload.
func (b *ArchiveBuilder) AddInt(n int64) UID { return b.push(n) }

// AddBool archives a boolean NSNumber payload.
func (b *ArchiveBuilder) AddBool(v bool) UID { return b.push(v) }

// AddData archives a raw NSData payload.
func (b *ArchiveBuilder) AddData(data []byte) UID { return b.push(data) }

// AddDictionary archives an NSDictionary as NS.keys/NS.objects parallel
// arrays, per NSKeyedArchiver's actual wire representation.
func (b *ArchiveBuilder) AddDictionary(keys, values []UID) UID {
	classRef := b.classRef(ClassNSDictionary, "NSObject")
	keyItems := make([]interface{}, len(keys))
	for i, k := range keys {
		keyItems[i] = k
	}
	valItems := make([]interface{}, len(values))
	for i, v := range values {
		valItems[i] = v
	}
	d := NewDict()
	d.Set("$class", classRef)
	d.Set("NS.keys", &Array{Items: keyItems})
	d.Set("NS.objects", &Array{Items: valItems})
	return b.push(d)
}

// AddArray archives an NSArray from already-archived element refs.
func (b *ArchiveBuilder) AddArray(items []UID) UID {
	classRef := b.classRef(ClassNSArray, "NSObject")
	itemRefs := make([]interface{}, len(items))
	for i, it := range items {
		itemRefs[i] = it
	}
	d := NewDict()
	d.Set("$class", classRef)
	d.Set("NS.objects", &Array{Items: itemRefs})
	return b.push(d)
}

// AddObject archives an arbitrary class instance with the given field refs,
// used for domain objects like XCTestConfiguration that have no generic
// Foundation container shape.
func (b *ArchiveBuilder) AddObject(classname string, superclasses []string, fields *Dict) UID {
	classRef := b.classRef(classname, superclasses...)
	d := NewDict()
	d.Set("$class", classRef)
	for _, k := range fields.Keys() {
		v, _ := fields.Get(k)
		d.Set(k, v)
	}
	return b.push(d)
}

// Build finalizes the archive with root as $top.root and marshals it to
// binary plist bytes.
func (b *ArchiveBuilder) Build(root UID) ([]byte, error) {
	objectsArr := &Array{Items: b.objects}
	top := NewDict().Set("root", root)
	out := NewDict()
	out.Set("$archiver", "NSKeyedArchiver")
	out.Set("$version", int64(100000))
	out.Set("$objects", objectsArr)
	out.Set("$top", top)
	return Marshal(out)
}
