// Package capsule implements the opaque, named, destructor-bearing handle
// used to hand a C-allocated resource to a host runtime, and the narrow
// interface a host runtime must provide to create and resolve such handles.
//
// A capsule is a single-owner hand-off point: it does not copy, retain or
// interpret the pointer it carries. Resolution is by exact name match only,
// and a mismatched name fails without the pointer ever being dereferenced.
package capsule

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrNotCapsule is returned when a capsule operation is given a nil
	// or foreign handle.
	ErrNotCapsule = errors.New("capsule: not a valid capsule")
	// ErrNameMismatch is returned when a capsule is resolved with the
	// wrong name.
	ErrNameMismatch = errors.New("capsule: name mismatch")
	// ErrNilPointer is returned when wrapping a nil pointer.
	ErrNilPointer = errors.New("capsule: nil pointer")
)

// Destructor frees the resource a capsule carries. It must tolerate being
// handed a struct whose release callback has already been nulled.
type Destructor func(unsafe.Pointer)

// Capsule pairs a raw pointer with a name and a destructor. The destructor
// runs at most once, when the capsule is destroyed; the name and pointer
// stay inspectable afterwards.
type Capsule struct {
	name      string
	ptr       unsafe.Pointer
	dtor      Destructor
	destroyed bool
}

// Name returns the name the capsule was created with.
func (c *Capsule) Name() string { return c.name }

// Destroy runs the capsule's destructor. Calling Destroy again is a no-op.
func (c *Capsule) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.dtor != nil {
		c.dtor(c.ptr)
	}
}

// Destroyed reports whether the capsule's destructor has run.
func (c *Capsule) Destroyed() bool { return c.destroyed }

// Host abstracts the embedding runtime's capsule facilities. These are the
// only two operations the exchange protocol needs from a runtime.
//
// If MakeCapsule fails, the caller keeps responsibility for invoking the
// destructor on the pointer: the host must neither free nor retain it.
type Host interface {
	MakeCapsule(ptr unsafe.Pointer, name string, dtor Destructor) (*Capsule, error)
	CapsulePointer(c *Capsule, name string) (unsafe.Pointer, error)
}

// InProcessHost is the default Host: capsules are plain Go objects owned by
// the caller, destroyed explicitly.
type InProcessHost struct{}

// MakeCapsule wraps ptr in a new capsule bound to name.
func (InProcessHost) MakeCapsule(ptr unsafe.Pointer, name string, dtor Destructor) (*Capsule, error) {
	if ptr == nil {
		return nil, ErrNilPointer
	}
	return &Capsule{name: name, ptr: ptr, dtor: dtor}, nil
}

// CapsulePointer returns the wrapped pointer if name matches the capsule's
// name exactly. On mismatch the pointer is not touched.
func (InProcessHost) CapsulePointer(c *Capsule, name string) (unsafe.Pointer, error) {
	if c == nil {
		return nil, ErrNotCapsule
	}
	if c.name != name {
		return nil, fmt.Errorf("%w: capsule is named %q, want %q", ErrNameMismatch, c.name, name)
	}
	return c.ptr, nil
}
