package vm

// ---------------------------------------------------------------------------
// ValueCell: one namespace binding plus the functions that cached it
// ---------------------------------------------------------------------------

// ValueCell boxes one (namespace, name) binding of a module or type. A cell
// whose value is Unbound is a placeholder: it exists only so functions can
// register as dependents of a name that is not defined there yet.
type ValueCell struct {
	value Value

	// Doubly linked list of weak links to dependent functions.
	head, tail *WeakLink
	links      int
}

// Value returns the bound value, or Unbound for a placeholder.
func (c *ValueCell) Value() Value {
	return c.value
}

// IsPlaceholder returns true if the cell holds no binding.
func (c *ValueCell) IsPlaceholder() bool {
	return c.value == Unbound
}

// ---------------------------------------------------------------------------
// WeakLink: a dependency list node
// ---------------------------------------------------------------------------

// WeakLink is a list node holding a non-owning reference to a Function.
// The heap sets referent to None when the Function is collected; such dead
// links are unlinked the next time the list is walked.
type WeakLink struct {
	referent   Value
	prev, next *WeakLink
}

// Referent returns the dependent function, or None if it was collected.
func (l *WeakLink) Referent() Value {
	return l.referent
}

// IsDead returns true once the referent has been collected or removed.
func (l *WeakLink) IsDead() bool {
	return !l.referent.IsHeapObject()
}

func (c *ValueCell) unlink(h *Heap, l *WeakLink) {
	if l.prev != nil {
		l.prev.next = l.next
	} else {
		c.head = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	} else {
		c.tail = l.prev
	}
	l.prev, l.next = nil, nil
	c.links--
	h.unregisterWeak(l)
}

// addDependent links fn to the cell unless it is already linked.
// Returns true if a new link was created.
func (c *ValueCell) addDependent(h *Heap, fn Value) bool {
	for l := c.head; l != nil; {
		next := l.next
		if l.IsDead() {
			c.unlink(h, l)
		} else if l.referent == fn {
			return false
		}
		l = next
	}
	l := &WeakLink{referent: fn, prev: c.tail}
	if c.tail != nil {
		c.tail.next = l
	} else {
		c.head = l
	}
	c.tail = l
	c.links++
	h.registerWeak(l)
	return true
}

// removeDependent unlinks fn. Returns true if it was linked.
func (c *ValueCell) removeDependent(h *Heap, fn Value) bool {
	for l := c.head; l != nil; l = l.next {
		if l.referent == fn {
			l.referent = None
			c.unlink(h, l)
			return true
		}
	}
	return false
}

// hasDependent reports whether fn is linked to the cell.
func (c *ValueCell) hasDependent(fn Value) bool {
	for l := c.head; l != nil; l = l.next {
		if l.referent == fn {
			return true
		}
	}
	return false
}

// dependents compacts dead links and returns a snapshot of the live
// referents, so callers may mutate the list while iterating.
func (c *ValueCell) dependents(h *Heap) []Value {
	if c.head == nil {
		return nil
	}
	out := make([]Value, 0, c.links)
	for l := c.head; l != nil; {
		next := l.next
		if l.IsDead() {
			c.unlink(h, l)
		} else {
			out = append(out, l.referent)
		}
		l = next
	}
	return out
}

// NumDependents returns the number of links, dead ones included.
func (c *ValueCell) NumDependents() int {
	return c.links
}
