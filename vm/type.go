package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Type: a class with a method resolution order and a cell dictionary
// ---------------------------------------------------------------------------

// TypeKind selects the Go struct that stores a type's instances.
type TypeKind uint8

const (
	KindBuiltin   TypeKind = iota // fixed Go struct, cannot be subclassed
	KindObject                    // *Instance
	KindException                 // *ExceptionObject
)

// Type is a class. Its dictionary maps names to ValueCells so that inline
// caches can depend on individual bindings; a cell holding Unbound is a
// placeholder created only to carry dependencies.
type Type struct {
	Header
	rt *Runtime

	name   string
	bases  []*Type
	mro    []*Type // starts with the type itself
	dict   map[string]*ValueCell
	sealed bool
	kind   TypeKind

	instanceLayout *Layout // root layout of instances (KindObject, KindException)
	builtinLayout  LayoutID

	// construct creates instances of builtin types; nil for user types.
	construct func(t *Thread, typ *Type, args []Value) Value
}

func (typ *Type) visitPointers(visit PointerVisitor) {
	for _, cell := range typ.dict {
		visit(&cell.value)
	}
}

// Name returns the type's name.
func (typ *Type) Name() string {
	if typ == nil {
		return "<invalid>"
	}
	return typ.name
}

// Bases returns the direct base types.
func (typ *Type) Bases() []*Type { return typ.bases }

// MRO returns the method resolution order, starting with typ.
func (typ *Type) MRO() []*Type { return typ.mro }

// IsSealed returns true if the type's dictionary cannot change.
func (typ *Type) IsSealed() bool { return typ.sealed }

// Kind returns the instance storage kind.
func (typ *Type) Kind() TypeKind { return typ.kind }

// InstanceLayout returns the root layout of the type's instances.
func (typ *Type) InstanceLayout() *Layout { return typ.instanceLayout }

// IsSubtype returns true if other appears in typ's MRO.
func (typ *Type) IsSubtype(other *Type) bool {
	for _, t := range typ.mro {
		if t == other {
			return true
		}
	}
	return false
}

// definesOwn returns true if typ's own dictionary binds name.
func (typ *Type) definesOwn(name string) bool {
	cell := typ.dict[name]
	return cell != nil && !cell.IsPlaceholder()
}

// Lookup resolves name along the MRO. It returns the value and the type
// that defines it.
func (typ *Type) Lookup(name string) (Value, *Type) {
	for _, t := range typ.mro {
		if cell := t.dict[name]; cell != nil && !cell.IsPlaceholder() {
			return cell.value, t
		}
	}
	return Unbound, nil
}

// Own returns the binding of name in typ's own dictionary.
func (typ *Type) Own(name string) (Value, bool) {
	if cell := typ.dict[name]; cell != nil && !cell.IsPlaceholder() {
		return cell.value, true
	}
	return Unbound, false
}

// Names returns the names bound in typ's own dictionary.
func (typ *Type) Names() []string {
	var names []string
	for name, cell := range typ.dict {
		if !cell.IsPlaceholder() {
			names = append(names, name)
		}
	}
	return names
}

// cellFor returns the cell for name, creating a placeholder if needed.
func (typ *Type) cellFor(name string) *ValueCell {
	cell := typ.dict[name]
	if cell == nil {
		cell = &ValueCell{value: Unbound}
		typ.dict[name] = cell
	}
	return cell
}

// define binds name during bootstrap, bypassing the sealed check.
func (typ *Type) define(name string, v Value) {
	typ.cellFor(name).value = v
}

// SetAttr binds name in the type's dictionary and invalidates every cache
// that resolved name through typ.
func (typ *Type) SetAttr(name string, v Value) error {
	if typ.sealed {
		return fmt.Errorf("%w: can't set attributes of built-in type '%s'", ErrType, typ.name)
	}
	cell := typ.cellFor(name)
	cell.value = v
	typ.rt.typeAttrChanged(typ, name, cell)
	return nil
}

// DelAttr removes name from the type's dictionary, leaving a placeholder
// cell so existing dependents stay linked.
func (typ *Type) DelAttr(name string) error {
	if typ.sealed {
		return fmt.Errorf("%w: can't delete attributes of built-in type '%s'", ErrType, typ.name)
	}
	cell := typ.dict[name]
	if cell == nil || cell.IsPlaceholder() {
		return fmt.Errorf("%w: type object '%s' has no attribute '%s'", ErrAttribute, typ.name, name)
	}
	cell.value = Unbound
	typ.rt.typeAttrChanged(typ, name, cell)
	return nil
}

// ---------------------------------------------------------------------------
// Type creation
// ---------------------------------------------------------------------------

// c3 computes the C3 linearization of typ with the given bases.
func c3(typ *Type, bases []*Type) ([]*Type, error) {
	var seqs [][]*Type
	for _, b := range bases {
		seqs = append(seqs, append([]*Type(nil), b.mro...))
	}
	seqs = append(seqs, append([]*Type(nil), bases...))

	result := []*Type{typ}
	for {
		empty := true
		for _, s := range seqs {
			if len(s) > 0 {
				empty = false
				break
			}
		}
		if empty {
			return result, nil
		}

		var next *Type
		for _, s := range seqs {
			if len(s) == 0 {
				continue
			}
			if !inTail(s[0], seqs) {
				next = s[0]
				break
			}
		}
		if next == nil {
			names := make([]string, len(bases))
			for i, b := range bases {
				names[i] = b.name
			}
			return nil, fmt.Errorf("%w: cannot create a consistent method resolution order (MRO) for bases %s",
				ErrType, strings.Join(names, ", "))
		}

		result = append(result, next)
		for i, s := range seqs {
			if len(s) > 0 && s[0] == next {
				seqs[i] = s[1:]
			}
		}
	}
}

func inTail(t *Type, seqs [][]*Type) bool {
	for _, s := range seqs {
		if len(s) == 0 {
			continue
		}
		for _, u := range s[1:] {
			if u == t {
				return true
			}
		}
	}
	return false
}

// NewType creates a user type. With no bases the type derives from object.
// Builtin types other than object and the exception hierarchy cannot be
// subclassed.
func (rt *Runtime) NewType(name string, bases []*Type, attrs map[string]Value) (*Type, error) {
	if len(bases) == 0 {
		bases = []*Type{rt.types.Object}
	}
	kind := KindObject
	for i, b := range bases {
		if b.kind == KindBuiltin {
			return nil, fmt.Errorf("%w: type '%s' is not an acceptable base type", ErrType, b.name)
		}
		if b.kind == KindException {
			kind = KindException
		}
		for _, other := range bases[:i] {
			if other == b {
				return nil, fmt.Errorf("%w: duplicate base class %s", ErrType, b.name)
			}
		}
	}

	typ := &Type{
		rt:    rt,
		name:  name,
		bases: bases,
		dict:  make(map[string]*ValueCell, len(attrs)),
		kind:  kind,
	}
	mro, err := c3(typ, bases)
	if err != nil {
		return nil, err
	}
	typ.mro = mro
	for k, v := range attrs {
		typ.define(k, v)
	}
	rt.registerType(typ, LayoutType)
	typ.instanceLayout = rt.layouts.NewRootLayout(typ, rt.opts.InObjectSlots)
	log.Debugf("type %s created, layout %d", name, typ.instanceLayout.id)
	return typ, nil
}

// registerType allocates typ on the heap and roots it.
func (rt *Runtime) registerType(typ *Type, layout LayoutID) Value {
	v := rt.heap.Allocate(layout, typ)
	rt.typeList = append(rt.typeList, typ)
	return v
}

// TypeOf returns the type of v. Error and Unbound have no type.
func (rt *Runtime) TypeOf(v Value) *Type {
	if v.IsHeapObject() {
		return rt.layouts.At(rt.heap.Object(v).header().LayoutID()).typ
	}
	return rt.layouts.At(v.ImmediateLayoutID()).typ
}

// typeOfLayout returns the type whose instances carry layout id.
func (rt *Runtime) typeOfLayout(id LayoutID) *Type {
	return rt.layouts.At(id).typ
}

// layoutOf returns the layout id of v without consulting its type.
func (rt *Runtime) layoutOf(v Value) LayoutID {
	if v.IsHeapObject() {
		return rt.heap.Object(v).header().LayoutID()
	}
	return v.ImmediateLayoutID()
}

// IsInstance returns true if v's type is typ or a subtype of it.
func (rt *Runtime) IsInstance(v Value, typ *Type) bool {
	t := rt.TypeOf(v)
	return t != nil && t.IsSubtype(typ)
}

// AsType returns the Type a value refers to.
func (rt *Runtime) AsType(v Value) (*Type, bool) {
	typ, ok := rt.object(v).(*Type)
	return typ, ok
}
