package vm

import (
	"errors"
	"testing"
)

// siteFor returns the single cache site of fn, failing if there is not
// exactly one.
func siteFor(t *testing.T, rt *Runtime, fn Value) SiteInfo {
	t.Helper()
	sites := rt.Sites(fn)
	if len(sites) != 1 {
		t.Fatalf("got %d sites, want 1", len(sites))
	}
	return sites[0]
}

func TestAttributeCacheMonomorphic(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustType(t, rt, "A", nil, map[string]Value{"x": FromSmallInt(1)})
	get := attrGetter(t, rt, "x")
	obj := newInstanceOf(t, rt, a)

	if s := siteFor(t, rt, get); s.State != CacheEmpty || s.Opcode != "LOAD_ATTR" || s.Name != "x" {
		t.Errorf("fresh site = %+v, want empty LOAD_ATTR x", s)
	}
	for i := 0; i < 3; i++ {
		if got := mustInt(t, mustCall(t, rt, get, obj)); got != 1 {
			t.Fatalf("get() = %d, want 1", got)
		}
	}
	s := siteFor(t, rt, get)
	if s.State != CacheMonomorphic || s.Entries != 1 {
		t.Errorf("State = %s with %d entries, want monomorphic with 1", s.State, s.Entries)
	}
	if s.Misses != 1 || s.Hits != 2 {
		t.Errorf("hits/misses = %d/%d, want 2/1", s.Hits, s.Misses)
	}
}

func TestAttributeCacheInstanceAttribute(t *testing.T) {
	rt := newTestRuntime(t)
	p := mustType(t, rt, "P", nil, nil)
	get := attrGetter(t, rt, "v")
	th := rt.MainThread()

	x, y := newInstanceOf(t, rt, p), newInstanceOf(t, rt, p)
	if err := th.SetAttr(x, "v", FromSmallInt(10)); err != nil {
		t.Fatal(err)
	}
	if err := th.SetAttr(y, "v", FromSmallInt(20)); err != nil {
		t.Fatal(err)
	}

	if mustInt(t, mustCall(t, rt, get, x)) != 10 || mustInt(t, mustCall(t, rt, get, y)) != 20 {
		t.Fatal("cached instance attribute read the wrong slot")
	}
	if s := siteFor(t, rt, get); s.State != CacheMonomorphic || s.Hits != 1 {
		t.Errorf("site = %+v, want monomorphic with one hit", s)
	}

	// A third attribute moves the instance to a new layout: a miss, then a
	// second entry.
	if err := th.SetAttr(y, "w", FromSmallInt(0)); err != nil {
		t.Fatal(err)
	}
	if mustInt(t, mustCall(t, rt, get, y)) != 20 {
		t.Error("value lost after a layout transition")
	}
	if s := siteFor(t, rt, get); s.State != CachePolymorphic || s.Entries != 2 {
		t.Errorf("site = %+v, want polymorphic with 2 entries", s)
	}
}

func TestAttributeCacheMegamorphic(t *testing.T) {
	rt := newTestRuntime(t)
	get := attrGetter(t, rt, "x")

	var objs []Value
	for i := 0; i <= ICDegree; i++ {
		typ := mustType(t, rt, string(rune('A'+i)), nil, map[string]Value{"x": FromInt(i)})
		objs = append(objs, newInstanceOf(t, rt, typ))
	}
	for i, obj := range objs {
		if got := mustInt(t, mustCall(t, rt, get, obj)); got != int64(i) {
			t.Errorf("get(obj %d) = %d", i, got)
		}
	}
	if s := siteFor(t, rt, get); s.State != CacheMegamorphic || s.Entries != 0 {
		t.Errorf("site = %+v, want megamorphic with no entries", s)
	}
	// Megamorphic sites keep answering through the full lookup.
	if got := mustInt(t, mustCall(t, rt, get, objs[0])); got != 0 {
		t.Errorf("get(obj 0) = %d after going megamorphic", got)
	}
	if rt.stats.megamorphic != 1 {
		t.Errorf("megamorphic transitions = %d, want 1", rt.stats.megamorphic)
	}
}

func TestUnrelatedTypeChangeKeepsCache(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustType(t, rt, "A", nil, map[string]Value{"x": FromSmallInt(1)})
	b := mustType(t, rt, "B", nil, map[string]Value{"x": FromSmallInt(100)})
	get := attrGetter(t, rt, "x")
	obj := newInstanceOf(t, rt, a)

	mustCall(t, rt, get, obj)
	if err := b.SetAttr("x", FromSmallInt(5)); err != nil {
		t.Fatal(err)
	}
	if err := b.SetAttr("y", FromSmallInt(5)); err != nil {
		t.Fatal(err)
	}
	if s := siteFor(t, rt, get); s.Entries != 1 {
		t.Errorf("entries = %d after an unrelated change, want 1", s.Entries)
	}
	if rt.stats.evictions != 0 {
		t.Errorf("evictions = %d, want 0", rt.stats.evictions)
	}

	if err := a.SetAttr("x", FromSmallInt(2)); err != nil {
		t.Fatal(err)
	}
	if s := siteFor(t, rt, get); s.State != CacheEmpty {
		t.Errorf("State = %s after changing the defining type, want empty", s.State)
	}
	if got := mustInt(t, mustCall(t, rt, get, obj)); got != 2 {
		t.Errorf("get() = %d after rebinding, want 2", got)
	}
}

func TestDiamondInvalidation(t *testing.T) {
	rt := newTestRuntime(t)
	base := mustType(t, rt, "Base", nil, map[string]Value{"x": FromSmallInt(1)})
	left := mustType(t, rt, "Left", []*Type{base}, nil)
	right := mustType(t, rt, "Right", []*Type{base}, nil)
	d := mustType(t, rt, "D", []*Type{left, right}, nil)
	other := mustType(t, rt, "Other", nil, nil)

	wantMRO := []*Type{d, left, right, base, rt.types.Object}
	if mro := d.MRO(); len(mro) != len(wantMRO) {
		t.Fatalf("MRO has %d entries, want %d", len(mro), len(wantMRO))
	} else {
		for i := range mro {
			if mro[i] != wantMRO[i] {
				t.Errorf("MRO[%d] = %s, want %s", i, mro[i].Name(), wantMRO[i].Name())
			}
		}
	}

	get := attrGetter(t, rt, "x")
	obj := newInstanceOf(t, rt, d)
	if mustInt(t, mustCall(t, rt, get, obj)) != 1 {
		t.Fatal("diamond lookup did not reach Base")
	}

	// A type outside the MRO does not evict.
	if err := other.SetAttr("x", FromSmallInt(9)); err != nil {
		t.Fatal(err)
	}
	if siteFor(t, rt, get).Entries != 1 {
		t.Error("change outside the MRO evicted the entry")
	}

	// Defining x on Right shadows Base for D.
	if err := right.SetAttr("x", FromSmallInt(2)); err != nil {
		t.Fatal(err)
	}
	if siteFor(t, rt, get).Entries != 0 {
		t.Error("shadowing definition on Right did not evict")
	}
	if got := mustInt(t, mustCall(t, rt, get, obj)); got != 2 {
		t.Errorf("get() = %d, want 2 from Right", got)
	}

	// Base is now behind Right, so changing it leaves the entry alone.
	if err := base.SetAttr("x", FromSmallInt(3)); err != nil {
		t.Fatal(err)
	}
	if siteFor(t, rt, get).Entries != 1 {
		t.Error("change behind the resolving type evicted the entry")
	}
	if got := mustInt(t, mustCall(t, rt, get, obj)); got != 2 {
		t.Errorf("get() = %d, want 2", got)
	}
	if rt.stats.evictions != 1 {
		t.Errorf("evictions = %d, want 1", rt.stats.evictions)
	}
}

func TestDeleteTypeAttributeEvicts(t *testing.T) {
	rt := newTestRuntime(t)
	base := mustType(t, rt, "Base", nil, map[string]Value{"x": FromSmallInt(1)})
	sub := mustType(t, rt, "Sub", []*Type{base}, map[string]Value{"x": FromSmallInt(2)})
	get := attrGetter(t, rt, "x")
	obj := newInstanceOf(t, rt, sub)

	if mustInt(t, mustCall(t, rt, get, obj)) != 2 {
		t.Fatal("want Sub.x")
	}
	if err := sub.DelAttr("x"); err != nil {
		t.Fatal(err)
	}
	if got := mustInt(t, mustCall(t, rt, get, obj)); got != 1 {
		t.Errorf("get() = %d after deleting Sub.x, want 1", got)
	}
	if err := sub.DelAttr("x"); !errors.Is(err, ErrAttribute) {
		t.Errorf("second DelAttr error = %v, want ErrAttribute", err)
	}
}

func TestLateOperatorDefinition(t *testing.T) {
	rt := newTestRuntime(t)
	fn := binaryFunc(t, rt, OpBinaryAdd)

	// A type that gains __add__ after a failed call.
	late := mustType(t, rt, "Late", nil, nil)
	v := newInstanceOf(t, rt, late)
	callErr(t, rt, fn, v, v)
	if err := late.SetAttr("__add__", returning(rt, "__add__", "late")); err != nil {
		t.Fatal(err)
	}
	if got := mustStr(t, rt, mustCall(t, rt, fn, v, v)); got != "late" {
		t.Errorf("got %s, want late", got)
	}

	// A subclass overriding an inherited, already cached __add__.
	base := mustType(t, rt, "Base", nil, map[string]Value{"__add__": returning(rt, "__add__", "base")})
	sub := mustType(t, rt, "Sub", []*Type{base}, nil)
	s := newInstanceOf(t, rt, sub)
	if got := mustStr(t, rt, mustCall(t, rt, fn, s, s)); got != "base" {
		t.Fatalf("got %s, want base", got)
	}
	if err := sub.SetAttr("__add__", returning(rt, "__add__", "sub")); err != nil {
		t.Fatal(err)
	}
	if got := mustStr(t, rt, mustCall(t, rt, fn, s, s)); got != "sub" {
		t.Errorf("got %s after overriding, want sub", got)
	}
}

func TestEvictionDropsDependencyLinks(t *testing.T) {
	rt := newTestRuntime(t)
	fn := binaryFunc(t, rt, OpBinaryAdd)

	base := mustType(t, rt, "Base", nil, map[string]Value{"__add__": returning(rt, "__add__", "base")})
	sub := mustType(t, rt, "Sub", []*Type{base}, nil)
	other := mustType(t, rt, "Other", nil, nil)
	s, o := newInstanceOf(t, rt, sub), newInstanceOf(t, rt, other)
	if got := mustStr(t, rt, mustCall(t, rt, fn, s, o)); got != "base" {
		t.Fatalf("got %s, want base", got)
	}

	cells := []struct {
		name string
		cell *ValueCell
	}{
		{"Sub.__add__", sub.dict["__add__"]},
		{"Base.__add__", base.dict["__add__"]},
		{"Other.__radd__", other.dict["__radd__"]},
	}
	for _, c := range cells {
		if c.cell == nil || !c.cell.hasDependent(fn) {
			t.Fatalf("%s does not list the cached function", c.name)
		}
	}

	// Shadowing Base.__add__ on Sub evicts the only entry.
	if err := sub.SetAttr("__add__", returning(rt, "__add__", "sub")); err != nil {
		t.Fatal(err)
	}
	if sites := rt.Sites(fn); sites[0].Entries != 0 {
		t.Fatalf("site has %d entries after eviction, want 0", sites[0].Entries)
	}
	for _, c := range cells {
		if c.cell.hasDependent(fn) {
			t.Errorf("%s still lists the function after eviction", c.name)
		}
	}

	// The next call re-populates and re-links.
	if got := mustStr(t, rt, mustCall(t, rt, fn, s, o)); got != "sub" {
		t.Fatalf("got %s after overriding, want sub", got)
	}
	if !sub.dict["__add__"].hasDependent(fn) || !other.dict["__radd__"].hasDependent(fn) {
		t.Error("re-populated entry recorded no dependencies")
	}
	if base.dict["__add__"].hasDependent(fn) {
		t.Error("Base.__add__ is shadowed but still lists the function")
	}
}

func TestBuiltinTypesAreSealed(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.types.Int.SetAttr("__add__", None); !errors.Is(err, ErrType) {
		t.Errorf("SetAttr on int error = %v, want ErrType", err)
	}
	if _, err := rt.NewType("MyInt", []*Type{rt.types.Int}, nil); !errors.Is(err, ErrType) {
		t.Errorf("subclassing int error = %v, want ErrType", err)
	}
}

// ---------------------------------------------------------------------------
// Global caches
// ---------------------------------------------------------------------------

// globalReader builds `def read(): return <name>` in m.
func globalReader(t *testing.T, rt *Runtime, m *Module, name string) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "read")
	b.LoadGlobal(name).Return()
	return buildFunc(t, rt, m, b)
}

func TestGlobalCacheWriteThrough(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("globals")
	m.Set("g", FromSmallInt(1))
	read := globalReader(t, rt, m, "g")

	if rt.GlobalCached(read, "g") {
		t.Error("global cached before the first call")
	}
	if mustInt(t, mustCall(t, rt, read)) != 1 {
		t.Fatal("want 1")
	}
	if !rt.GlobalCached(read, "g") {
		t.Error("global not cached after the first call")
	}

	m.Set("g", FromSmallInt(2))
	if got := mustInt(t, mustCall(t, rt, read)); got != 2 {
		t.Errorf("read() = %d after rebinding, want 2", got)
	}
	if !rt.GlobalCached(read, "g") || rt.stats.globalInvalidations != 0 {
		t.Error("rebinding a global should write through without invalidation")
	}

	if err := m.Delete("g"); err != nil {
		t.Fatal(err)
	}
	if rt.GlobalCached(read, "g") {
		t.Error("global still cached after deletion")
	}
	ge := callErr(t, rt, read)
	if ge.Type != "NameError" || ge.Message != "name 'g' is not defined" {
		t.Errorf("got %s: %s", ge.Type, ge.Message)
	}
}

func TestGlobalShadowingBuiltin(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("shadow")
	read := globalReader(t, rt, m, "len")

	builtin, _ := rt.Builtins().Get("len")
	if got := mustCall(t, rt, read); got != builtin {
		t.Fatalf("read() = %s, want the builtin len", rt.Repr(got))
	}
	if !rt.GlobalCached(read, "len") {
		t.Fatal("builtin not cached")
	}

	m.Set("len", FromSmallInt(7))
	if got := mustInt(t, mustCall(t, rt, read)); got != 7 {
		t.Errorf("read() = %d after shadowing, want 7", got)
	}
	if rt.stats.globalInvalidations != 1 {
		t.Errorf("invalidations = %d, want 1", rt.stats.globalInvalidations)
	}
}

func TestStoreGlobalCached(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("store")

	// def bump(): g = g + 1 (global g)
	b := NewCodeBuilder(rt, "bump")
	b.LoadGlobal("g").LoadInt(1).Op(OpBinaryAdd).StoreGlobal("g").ReturnNone()
	bump := buildFunc(t, rt, m, b)

	m.Set("g", FromSmallInt(0))
	for i := 0; i < 3; i++ {
		mustCall(t, rt, bump)
	}
	if v, _ := m.Get("g"); mustInt(t, v) != 3 {
		t.Errorf("g = %v, want 3", v)
	}
}

func TestPropertyWithoutSetterIsReadOnly(t *testing.T) {
	rt := newTestRuntime(t)
	getx := rt.NewNative("getx", []string{"self"}, 0, func(t *Thread, args []Value) Value {
		return FromSmallInt(42)
	})
	prop := mustCall(t, rt, builtin(t, rt, "property"), getx)
	typ := mustType(t, rt, "P", nil, map[string]Value{"x": prop})
	obj := newInstanceOf(t, rt, typ)

	get := attrGetter(t, rt, "x")
	for i := 0; i < 3; i++ {
		if got := mustInt(t, mustCall(t, rt, get, obj)); got != 42 {
			t.Fatalf("call %d: o.x = %d, want 42", i, got)
		}
	}

	err := rt.MainThread().SetAttr(obj, "x", FromSmallInt(1))
	if !errors.Is(err, ErrAttribute) {
		t.Errorf("SetAttr through a getter-only property = %v, want ErrAttribute", err)
	}
}
