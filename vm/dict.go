package vm

// Dict is an insertion-ordered hash map. Keys are hashed and compared
// through the same special-method dispatch the interpreter uses, so user
// types with __hash__ and __eq__ work as keys.
type Dict struct {
	Header
	entries []dictEntry
	index   map[int64][]int32
	live    int
}

type dictEntry struct {
	key   Value
	value Value
	hash  int64
	live  bool
}

func (d *Dict) visitPointers(visit PointerVisitor) {
	for i := range d.entries {
		visit(&d.entries[i].key)
		visit(&d.entries[i].value)
	}
}

// Len returns the number of live entries.
func (d *Dict) Len() int { return d.live }

// NewDict allocates an empty dict.
func (rt *Runtime) NewDict() Value {
	return rt.heap.Allocate(LayoutDict, &Dict{index: make(map[int64][]int32)})
}

// find returns the entry index of key, or -1. ok is false if hashing or
// comparing raised.
func (t *Thread) dictFind(d *Dict, key Value) (i int, hash int64, ok bool) {
	hash, ok = t.hash(key)
	if !ok {
		return -1, 0, false
	}
	for _, idx := range d.index[hash] {
		e := &d.entries[idx]
		if !e.live {
			continue
		}
		if e.key == key {
			return int(idx), hash, true
		}
		eq, ok := t.equal(e.key, key)
		if !ok {
			return -1, hash, false
		}
		if eq {
			return int(idx), hash, true
		}
	}
	return -1, hash, true
}

// dictGet returns the value for key; Unbound if absent.
func (t *Thread) dictGet(d *Dict, key Value) (Value, bool) {
	i, _, ok := t.dictFind(d, key)
	if !ok {
		return Error, false
	}
	if i < 0 {
		return Unbound, true
	}
	return d.entries[i].value, true
}

func (t *Thread) dictSet(d *Dict, key, value Value) bool {
	i, hash, ok := t.dictFind(d, key)
	if !ok {
		return false
	}
	if i >= 0 {
		d.entries[i].value = value
		return true
	}
	d.index[hash] = append(d.index[hash], int32(len(d.entries)))
	d.entries = append(d.entries, dictEntry{key: key, value: value, hash: hash, live: true})
	d.live++
	return true
}

// dictDelete removes key. found is false if it was absent.
func (t *Thread) dictDelete(d *Dict, key Value) (found bool, ok bool) {
	i, hash, ok := t.dictFind(d, key)
	if !ok || i < 0 {
		return false, ok
	}
	d.entries[i] = dictEntry{key: None, value: None}
	d.live--
	bucket := d.index[hash]
	for j, idx := range bucket {
		if int(idx) == i {
			d.index[hash] = append(bucket[:j], bucket[j+1:]...)
			break
		}
	}
	if len(d.index[hash]) == 0 {
		delete(d.index, hash)
	}
	if d.live == 0 {
		d.entries = d.entries[:0]
	}
	return true, true
}

// keys returns the live keys in insertion order.
func (d *Dict) keys() []Value {
	out := make([]Value, 0, d.live)
	for _, e := range d.entries {
		if e.live {
			out = append(out, e.key)
		}
	}
	return out
}

// each calls fn for every live entry in insertion order.
func (d *Dict) each(fn func(key, value Value)) {
	for _, e := range d.entries {
		if e.live {
			fn(e.key, e.value)
		}
	}
}

// DictSet stores key in a dict value. Hosts use it to build arguments.
func (t *Thread) DictSet(dict, key, value Value) error {
	d, ok := t.rt.object(dict).(*Dict)
	if !ok {
		t.raiseTypeError("DictSet: %s is not a dict", t.rt.TypeOf(dict).Name())
		return t.takeError()
	}
	if !t.dictSet(d, key, value) {
		return t.takeError()
	}
	return nil
}
