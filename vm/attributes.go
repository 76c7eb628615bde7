package vm

// ---------------------------------------------------------------------------
// Attribute access
// ---------------------------------------------------------------------------

// cacheableReceiver returns false for receivers whose attributes do not
// depend on their layout alone: type and module objects share one layout.
func cacheableReceiver(id LayoutID) bool {
	return id != LayoutType && id != LayoutModule
}

// holder returns the attribute storage of v, if it has any.
func (rt *Runtime) holder(v Value) (*Instance, bool) {
	if h, ok := rt.object(v).(attributeHolder); ok {
		return h.instance(), true
	}
	return nil, false
}

// typeGetAttr reads an attribute of a type object.
func (t *Thread) typeGetAttr(typ *Type, name string) Value {
	if name == "__name__" {
		return t.rt.Str(typ.name)
	}
	if v, _ := typ.Lookup(name); !v.IsUnbound() {
		return v
	}
	if name == "__mro__" {
		items := make([]Value, len(typ.mro))
		for i, m := range typ.mro {
			items[i] = m.Value()
		}
		return t.rt.NewTuple(items...)
	}
	return t.raiseAttributeError(typ.Value(), name)
}

// getAttr implements obj.name. When f is not nil, the resolution is cached
// at site si.
func (t *Thread) getAttr(obj Value, name string, f *Function, si int) Value {
	rt := t.rt
	switch o := rt.object(obj).(type) {
	case *Type:
		return t.typeGetAttr(o, name)
	case *Module:
		if v, ok := o.Get(name); ok {
			return v
		}
		return t.raise(rt.types.AttributeError, "module '%s' has no attribute '%s'", o.name, name)
	}

	id := rt.layoutOf(obj)
	typ := rt.typeOfLayout(id)
	cache := f != nil && cacheableReceiver(id)
	tattr, _ := typ.Lookup(name)

	if p, ok := rt.object(tattr).(*Property); ok {
		if p.fget == None {
			return t.raise(rt.types.AttributeError, "unreadable attribute '%s'", name)
		}
		if cache {
			t.cacheAttr(f, si, typ, name, icEntry{key: uint64(id), value: p.fget, flags: icProperty})
		}
		return t.call(p.fget, obj)
	}
	if inst, ok := rt.holder(obj); ok {
		if info, ok := rt.layouts.At(id).Lookup(name); ok {
			if cache {
				t.cacheAttr(f, si, typ, name, icEntry{key: uint64(id), info: info, flags: icInstanceAttr})
			}
			return inst.slot(info)
		}
	}
	if tattr.IsUnbound() {
		return t.raiseAttributeError(obj, name)
	}
	if _, ok := rt.object(tattr).(*Function); ok {
		if cache {
			t.cacheAttr(f, si, typ, name, icEntry{key: uint64(id), value: tattr, flags: icMethod})
		}
		return rt.newBoundMethod(obj, tattr)
	}
	if cache {
		t.cacheAttr(f, si, typ, name, icEntry{key: uint64(id), value: tattr, flags: icTypeAttr})
	}
	return tattr
}

func (t *Thread) cacheAttr(f *Function, si int, typ *Type, name string, e icEntry) {
	t.rt.icInsert(f, si, e)
	t.rt.icRecordDependency(f, typ, name)
}

// loadAttrCached executes LOAD_ATTR_CACHED.
func (t *Thread) loadAttrCached(f *Function, si int, obj Value) Value {
	if e := f.icLookup(si, uint64(t.rt.layoutOf(obj))); e != nil {
		switch {
		case e.flags&icInstanceAttr != 0:
			inst, _ := t.rt.holder(obj)
			return inst.slot(e.info)
		case e.flags&icMethod != 0:
			return t.rt.newBoundMethod(obj, e.value)
		case e.flags&icProperty != 0:
			return t.call(e.value, obj)
		default:
			return e.value
		}
	}
	return t.getAttr(obj, f.code.sites[si].name, f, si)
}

// loadMethod implements LOAD_METHOD: a plain function found on the type is
// returned unbound alongside the receiver so that CALL_METHOD can pass it as
// the first argument without allocating a bound method. self is Unbound
// when the attribute is not such a method.
func (t *Thread) loadMethod(obj Value, name string, f *Function, si int) (fn, self Value) {
	rt := t.rt
	id := rt.layoutOf(obj)
	if f != nil {
		if e := f.icLookup(si, uint64(id)); e != nil {
			switch {
			case e.flags&icMethod != 0:
				return e.value, obj
			case e.flags&icInstanceAttr != 0:
				inst, _ := rt.holder(obj)
				return inst.slot(e.info), Unbound
			case e.flags&icProperty != 0:
				return t.call(e.value, obj), Unbound
			default:
				return e.value, Unbound
			}
		}
	}
	if !cacheableReceiver(id) {
		return t.getAttr(obj, name, nil, 0), Unbound
	}
	typ := rt.typeOfLayout(id)
	tattr, _ := typ.Lookup(name)
	if _, ok := rt.object(tattr).(*Function); ok {
		shadowed := false
		if _, ok := rt.holder(obj); ok {
			_, shadowed = rt.layouts.At(id).Lookup(name)
		}
		if !shadowed {
			if f != nil {
				t.cacheAttr(f, si, typ, name, icEntry{key: uint64(id), value: tattr, flags: icMethod})
			}
			return tattr, obj
		}
	}
	v := t.getAttr(obj, name, f, si)
	if v.IsError() {
		return Error, Unbound
	}
	if bm, ok := rt.object(v).(*BoundMethod); ok {
		return bm.fn, bm.self
	}
	return v, Unbound
}

// setAttr implements obj.name = v.
func (t *Thread) setAttr(obj Value, name string, v Value, f *Function, si int) Value {
	rt := t.rt
	switch o := rt.object(obj).(type) {
	case *Type:
		if err := o.SetAttr(name, v); err != nil {
			return t.raiseGoError(err)
		}
		return None
	case *Module:
		o.Set(name, v)
		return None
	}

	id := rt.layoutOf(obj)
	typ := rt.typeOfLayout(id)
	cache := f != nil && cacheableReceiver(id)
	tattr, _ := typ.Lookup(name)
	if p, ok := rt.object(tattr).(*Property); ok {
		if p.fset == None {
			return t.raise(rt.types.AttributeError, "can't set attribute '%s'", name)
		}
		if cache {
			t.cacheAttr(f, si, typ, name, icEntry{key: uint64(id), value: p.fset, flags: icProperty})
		}
		return t.call(p.fset, obj, v)
	}

	inst, ok := rt.holder(obj)
	if !ok {
		if tattr.IsUnbound() {
			return t.raiseAttributeError(obj, name)
		}
		return t.raise(rt.types.AttributeError, "'%s' object attribute '%s' is read-only", typ.Name(), name)
	}
	from := rt.layouts.At(id)
	to := from
	info, exists := from.Lookup(name)
	if exists && info.Has(AttrReadOnly) {
		return t.raise(rt.types.AttributeError, "attribute '%s' of '%s' objects is read-only", name, typ.Name())
	}
	if !exists {
		to, info = rt.layouts.AddAttribute(from, name, 0)
		inst.setLayoutID(to.id)
	}
	inst.setSlot(info, v)
	if cache {
		t.cacheAttr(f, si, typ, name, icEntry{key: uint64(id), info: info, next: to.id, flags: icInstanceAttr})
	}
	return None
}

// storeAttrCached executes STORE_ATTR_CACHED.
func (t *Thread) storeAttrCached(f *Function, si int, obj, v Value) Value {
	key := uint64(t.rt.layoutOf(obj))
	if e := f.icLookup(si, key); e != nil {
		if e.flags&icProperty != 0 {
			return t.call(e.value, obj, v)
		}
		inst, _ := t.rt.holder(obj)
		if uint64(e.next) != key {
			inst.setLayoutID(e.next)
		}
		inst.setSlot(e.info, v)
		return None
	}
	return t.setAttr(obj, f.code.sites[si].name, v, f, si)
}

// delAttr implements del obj.name.
func (t *Thread) delAttr(obj Value, name string) Value {
	rt := t.rt
	switch o := rt.object(obj).(type) {
	case *Type:
		if err := o.DelAttr(name); err != nil {
			return t.raiseGoError(err)
		}
		return None
	case *Module:
		if err := o.Delete(name); err != nil {
			return t.raise(rt.types.AttributeError, "module '%s' has no attribute '%s'", o.name, name)
		}
		return None
	}
	id := rt.layoutOf(obj)
	typ := rt.typeOfLayout(id)
	tattr, _ := typ.Lookup(name)
	if p, ok := rt.object(tattr).(*Property); ok {
		if p.fdel == None {
			return t.raise(rt.types.AttributeError, "can't delete attribute '%s'", name)
		}
		return t.call(p.fdel, obj)
	}
	inst, ok := rt.holder(obj)
	if !ok {
		return t.raiseAttributeError(obj, name)
	}
	from := rt.layouts.At(id)
	if info, ok := from.Lookup(name); ok && info.Has(AttrReadOnly) {
		return t.raise(rt.types.AttributeError, "attribute '%s' of '%s' objects is read-only", name, typ.Name())
	}
	to, info, ok := rt.layouts.DeleteAttribute(from, name)
	if !ok {
		return t.raiseAttributeError(obj, name)
	}
	inst.setSlot(info, Unbound)
	inst.setLayoutID(to.id)
	return None
}

// hasAttr reports whether obj.name resolves, swallowing AttributeError.
func (t *Thread) hasAttr(obj Value, name string) (bool, bool) {
	v := t.getAttr(obj, name, nil, 0)
	if !v.IsError() {
		return true, true
	}
	if t.pendingMatches(t.rt.types.AttributeError) {
		t.clearPending()
		return false, true
	}
	return false, false
}

// ---------------------------------------------------------------------------
// Host API
// ---------------------------------------------------------------------------

// GetAttr reads obj.name on behalf of a Go host.
func (t *Thread) GetAttr(obj Value, name string) (Value, error) {
	v := t.getAttr(obj, name, nil, 0)
	if v.IsError() {
		return None, t.takeError()
	}
	return v, nil
}

// SetAttr writes obj.name on behalf of a Go host.
func (t *Thread) SetAttr(obj Value, name string, v Value) error {
	if t.setAttr(obj, name, v, nil, 0).IsError() {
		return t.takeError()
	}
	return nil
}

// DefineReadOnly adds name to an instance as an attribute that guest code
// can read but not assign or delete.
func (t *Thread) DefineReadOnly(obj Value, name string, v Value) error {
	inst, ok := t.rt.holder(obj)
	if !ok {
		t.raiseAttributeError(obj, name)
		return t.takeError()
	}
	from := t.rt.layouts.At(inst.LayoutID())
	if _, exists := from.Lookup(name); exists {
		t.raise(t.rt.types.AttributeError, "attribute '%s' already defined", name)
		return t.takeError()
	}
	to, info := t.rt.layouts.AddAttribute(from, name, AttrReadOnly)
	inst.setLayoutID(to.id)
	inst.setSlot(info, v)
	return nil
}
