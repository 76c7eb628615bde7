package vm

// Inline caching for attribute access, operators and globals.
//
// Every Function owns a flat cache table. Slots [0, len(Names)) bind global
// names directly to module or builtins cells. After them, each cacheable
// site of the code (attribute load/store, method load, binary, in-place and
// comparison operators) reserves ICDegree entries keyed by the layout of the
// receiver, or the pair of operand layouts for operators.
//
// Entries stay valid until a type dictionary changes. Populating an entry
// records the function as a dependent of the looked-up name's cell on every
// type of the receiver's MRO up to the defining type; a change then only
// evicts entries whose lookup would resolve through the changed type.

// CacheState is the state of one call site.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single layout cached
	CachePolymorphic                   // 2-ICDegree layouts cached
	CacheMegamorphic                   // Too many layouts, use full lookup
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	default:
		return "megamorphic"
	}
}

// ICDegree is the number of entries per site.
const ICDegree = 4

type icFlags uint8

const (
	icInstanceAttr icFlags = 1 << iota // value lives in the receiver at info
	icTypeAttr                         // value is the type attribute itself
	icMethod                           // value is a function bound to the receiver on load
	icProperty                         // value is a property getter or setter
	icReflected                        // operator: value is the right operand's reflected method
	icRetry                            // operator: on NotImplemented, try the other operand
	icInplace                          // operator: value is the left operand's in-place method
)

// icEntry is one cache slot.
type icEntry struct {
	key   uint64 // layout id, or left<<32|right for operators; 0 when empty
	value Value
	cell  *ValueCell // global slots only
	info  AttributeInfo
	next  LayoutID // layout after a cached attribute store
	flags icFlags
}

// siteState holds per-site profiling and state.
type siteState struct {
	state  CacheState
	count  int
	hits   uint64
	misses uint64
}

func (s *siteState) refresh() {
	switch {
	case s.state == CacheMegamorphic:
	case s.count == 0:
		s.state = CacheEmpty
	case s.count == 1:
		s.state = CacheMonomorphic
	default:
		s.state = CachePolymorphic
	}
}

func operatorKey(left, right LayoutID) uint64 {
	return uint64(left)<<32 | uint64(right)
}

func (f *Function) siteEntries(site int) []icEntry {
	start := f.siteBase + site*ICDegree
	return f.caches[start : start+ICDegree]
}

// icLookup returns the entry for key at site, or nil on a miss.
func (f *Function) icLookup(site int, key uint64) *icEntry {
	s := &f.sites[site]
	if s.state != CacheEmpty && s.state != CacheMegamorphic {
		entries := f.siteEntries(site)
		for i := range entries {
			if entries[i].key == key {
				s.hits++
				return &entries[i]
			}
		}
	}
	s.misses++
	return nil
}

// icInsert stores e at site. A full site becomes megamorphic and stops
// caching.
func (rt *Runtime) icInsert(f *Function, site int, e icEntry) {
	s := &f.sites[site]
	if s.state == CacheMegamorphic {
		return
	}
	entries := f.siteEntries(site)
	free := -1
	for i := range entries {
		if entries[i].key == e.key {
			entries[i] = e
			return
		}
		if entries[i].key == 0 && free < 0 {
			free = i
		}
	}
	if free < 0 {
		for i := range entries {
			entries[i] = icEntry{}
		}
		s.count = 0
		s.state = CacheMegamorphic
		rt.stats.megamorphic++
		log.Debugf("ic: %s site %d megamorphic", f.name, site)
		return
	}
	entries[free] = e
	s.count++
	s.refresh()
	rt.stats.populations++
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// icDependency is one (type, name) lookup a cache entry relies on.
type icDependency struct {
	typ  *Type
	name string
}

// icRecordDependency links f to name's cell on every type of typ's MRO up
// to the type defining name. Placeholder cells are created along the way so
// a later definition higher up still reaches f.
func (rt *Runtime) icRecordDependency(f *Function, typ *Type, name string) {
	if typ.sealed {
		return
	}
	fv := f.Value()
	for _, t := range typ.mro {
		if !t.sealed {
			t.cellFor(name).addDependent(rt.heap, fv)
		}
		if t.definesOwn(name) {
			return
		}
	}
}

// resolvesThrough reports whether looking up name on typ reaches target
// before any type that defines name.
func resolvesThrough(typ *Type, name string, target *Type) bool {
	if typ.sealed {
		return false
	}
	for _, t := range typ.mro {
		if t == target {
			return true
		}
		if t.definesOwn(name) {
			return false
		}
	}
	return false
}

// entryDependencies lists the lookups the entry at site relies on.
func (rt *Runtime) entryDependencies(s *siteInfo, e *icEntry) []icDependency {
	switch s.kind {
	case siteLoadAttr, siteStoreAttr, siteLoadMethod:
		return []icDependency{{rt.typeOfLayout(LayoutID(e.key)), s.name}}
	case siteCompare:
		left, right := rt.typeOfLayout(LayoutID(e.key>>32)), rt.typeOfLayout(LayoutID(e.key&0xFFFFFFFF))
		m := compareMethods[s.compare]
		return []icDependency{{left, m.method}, {right, m.reflected}}
	default:
		left, right := rt.typeOfLayout(LayoutID(e.key>>32)), rt.typeOfLayout(LayoutID(e.key&0xFFFFFFFF))
		op := &binaryOps[s.binop]
		deps := []icDependency{{left, op.method}, {right, op.reflected}}
		if s.kind == siteInplace {
			deps = append(deps, icDependency{left, op.inplace})
		}
		return deps
	}
}

func (s *siteInfo) mentions(name string) bool {
	switch s.kind {
	case siteLoadAttr, siteStoreAttr, siteLoadMethod:
		return s.name == name
	case siteCompare:
		m := compareMethods[s.compare]
		return m.method == name || m.reflected == name
	default:
		op := &binaryOps[s.binop]
		return op.method == name || op.reflected == name || (s.kind == siteInplace && op.inplace == name)
	}
}

// fnDependsOn reports whether any live entry of f looks up name through x.
func (rt *Runtime) fnDependsOn(f *Function, x *Type, name string) bool {
	for si := range f.code.sites {
		s := &f.code.sites[si]
		if !s.mentions(name) {
			continue
		}
		entries := f.siteEntries(si)
		for i := range entries {
			if entries[i].key == 0 {
				continue
			}
			for _, d := range rt.entryDependencies(s, &entries[i]) {
				if d.name == name && resolvesThrough(d.typ, name, x) {
					return true
				}
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

// typeAttrChanged evicts, in every dependent of cell, the entries whose
// lookup of name resolves through changed.
func (rt *Runtime) typeAttrChanged(changed *Type, name string, cell *ValueCell) {
	rt.stats.typeChanges++
	for _, fv := range cell.dependents(rt.heap) {
		f, ok := rt.heap.Object(fv).(*Function)
		if !ok {
			continue
		}
		rt.icInvalidateAttr(f, changed, name)
	}
}

func (rt *Runtime) icInvalidateAttr(f *Function, changed *Type, name string) {
	var dropped []icDependency
	for si := range f.code.sites {
		s := &f.code.sites[si]
		if !s.mentions(name) {
			continue
		}
		entries := f.siteEntries(si)
		for i := range entries {
			e := &entries[i]
			if e.key == 0 {
				continue
			}
			deps := rt.entryDependencies(s, e)
			for _, d := range deps {
				if d.name == name && resolvesThrough(d.typ, name, changed) {
					dropped = append(dropped, deps...)
					*e = icEntry{}
					f.sites[si].count--
					rt.stats.evictions++
					break
				}
			}
		}
		f.sites[si].refresh()
	}
	if len(dropped) == 0 {
		return
	}
	log.Debugf("ic: %s evicted %d lookups of %s.%s", f.name, len(dropped), changed.name, name)

	fv := f.Value()
	for _, d := range dropped {
		if d.typ.sealed {
			continue
		}
		for _, x := range d.typ.mro {
			cell := x.dict[d.name]
			if x.sealed || cell == nil {
				continue
			}
			if !rt.fnDependsOn(f, x, d.name) {
				cell.removeDependent(rt.heap, fv)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Global caches
// ---------------------------------------------------------------------------

// icBindGlobal caches cell in f's slot for name index idx and rewrites the
// instruction whose final code unit is at unit.
func (rt *Runtime) icBindGlobal(f *Function, idx int, cell *ValueCell, unit int, cached Opcode) {
	f.caches[idx].cell = cell
	cell.addDependent(rt.heap, f.Value())
	f.bytecode[unit] = byte(cached)
	rt.stats.globalRewrites++
}

// globalChanged un-caches name in every function that depends on cell.
func (rt *Runtime) globalChanged(name string, cell *ValueCell) {
	for _, fv := range cell.dependents(rt.heap) {
		f, ok := rt.heap.Object(fv).(*Function)
		if !ok {
			continue
		}
		rt.icInvalidateGlobal(f, name)
		cell.removeDependent(rt.heap, fv)
	}
}

// icInvalidateGlobal clears f's slot for name and rewrites the cached
// global opcodes that index it back to their generic form.
func (rt *Runtime) icInvalidateGlobal(f *Function, name string) {
	for idx, n := range f.code.Names {
		if n != name || f.caches[idx].cell == nil {
			continue
		}
		f.caches[idx] = icEntry{}
		for pc := 0; pc < len(f.bytecode); {
			op, arg, unit, next := decodeAt(f.bytecode, pc)
			if arg == idx && (op == OpLoadGlobalCached || op == OpStoreGlobalCached) {
				f.bytecode[unit] = byte(genericOpcode(op, op))
			}
			pc = next
		}
		rt.stats.globalInvalidations++
		log.Debugf("ic: %s uncached global %s", f.name, name)
	}
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// SiteInfo describes one cache site of a function.
type SiteInfo struct {
	Offset  int
	Opcode  string
	Name    string
	State   CacheState
	Entries int
	Hits    uint64
	Misses  uint64
}

// Sites reports the cache sites of fn.
func (rt *Runtime) Sites(fn Value) []SiteInfo {
	f, ok := rt.object(fn).(*Function)
	if !ok {
		return nil
	}
	out := make([]SiteInfo, len(f.code.sites))
	for i := range f.code.sites {
		s := &f.code.sites[i]
		st := &f.sites[i]
		info := SiteInfo{
			Offset:  s.unit,
			Opcode:  s.original.Name(),
			State:   st.state,
			Entries: st.count,
			Hits:    st.hits,
			Misses:  st.misses,
		}
		switch s.kind {
		case siteLoadAttr, siteStoreAttr, siteLoadMethod:
			info.Name = s.name
		case siteCompare:
			info.Name = compareMethods[s.compare].method
		default:
			info.Name = binaryOps[s.binop].method
		}
		out[i] = info
	}
	return out
}

// GlobalCached reports whether fn has bound the global name to a cell.
func (rt *Runtime) GlobalCached(fn Value, name string) bool {
	f, ok := rt.object(fn).(*Function)
	if !ok {
		return false
	}
	for idx, n := range f.code.Names {
		if n == name && f.caches[idx].cell != nil {
			return true
		}
	}
	return false
}
