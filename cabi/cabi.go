// Package cabi defines the three Arrow C data interface structs (schema,
// array, array stream) and the ownership rules that govern them.
//
// A struct with a non-nil release callback owns live buffers; invoking the
// callback frees them and must happen exactly once. Everything in this
// package either tests that state, transfers it (Move, which copies the
// struct and nulls the source's release field), or ends it (Release, which
// is guarded so that calling it on a released struct is a safe no-op).
//
// None of these functions may be called from inside a release callback they
// trigger: a destructor that re-enters this package can observe a struct
// mid-transfer.
package cabi

/*
#include <stdlib.h>
#include <string.h>

#include "abi.h"
#include "helpers.h"

extern int rockfinchStreamGetSchema(struct ArrowArrayStream* stream, struct ArrowSchema* out);
extern int rockfinchStreamGetNext(struct ArrowArrayStream* stream, struct ArrowArray* out);
extern const char* rockfinchStreamGetLastError(struct ArrowArrayStream* stream);
extern void rockfinchStreamRelease(struct ArrowArrayStream* stream);

static struct ArrowArrayStream* rf_new_exported_stream(void* private_data) {
	struct ArrowArrayStream* stream =
		(struct ArrowArrayStream*)malloc(sizeof(struct ArrowArrayStream));
	stream->get_schema = rockfinchStreamGetSchema;
	stream->get_next = rockfinchStreamGetNext;
	stream->get_last_error = rockfinchStreamGetLastError;
	stream->release = rockfinchStreamRelease;
	stream->private_data = private_data;
	return stream;
}
*/
import "C"

import (
	"fmt"
	"io"
	"runtime/cgo"
	"syscall"
	"unsafe"
)

type (
	// Schema is the C data interface descriptor for an array's type.
	Schema = C.struct_ArrowSchema
	// Array is the C data interface descriptor for an array's buffers.
	Array = C.struct_ArrowArray
	// Stream is the C stream interface descriptor for a pull-based
	// sequence of arrays.
	Stream = C.struct_ArrowArrayStream
)

// AllocSchema allocates a zeroed schema struct on the C heap. A zeroed
// struct has a nil release field and therefore owns nothing.
func AllocSchema() *Schema {
	return (*Schema)(C.calloc(1, C.sizeof_struct_ArrowSchema))
}

// AllocArray allocates a zeroed array struct on the C heap.
func AllocArray() *Array {
	return (*Array)(C.calloc(1, C.sizeof_struct_ArrowArray))
}

// AllocStream allocates a zeroed stream struct on the C heap.
func AllocStream() *Stream {
	return (*Stream)(C.calloc(1, C.sizeof_struct_ArrowArrayStream))
}

// FreeSchema frees the struct shell itself. The caller must have released
// or moved out its contents first.
func FreeSchema(s *Schema) { C.free(unsafe.Pointer(s)) }

// FreeArray frees the struct shell itself.
func FreeArray(a *Array) { C.free(unsafe.Pointer(a)) }

// FreeStream frees the struct shell itself.
func FreeStream(s *Stream) { C.free(unsafe.Pointer(s)) }

// SchemaIsReleased reports whether the schema's release callback has been
// invoked or nulled.
func SchemaIsReleased(s *Schema) bool { return C.rf_schema_is_released(s) == 1 }

// ArrayIsReleased reports whether the array's release callback has been
// invoked or nulled.
func ArrayIsReleased(a *Array) bool { return C.rf_array_is_released(a) == 1 }

// StreamIsReleased reports whether the stream's release callback has been
// invoked or nulled.
func StreamIsReleased(s *Stream) bool { return C.rf_stream_is_released(s) == 1 }

// ReleaseSchema invokes the schema's release callback if it is still set.
// It reports whether the callback actually fired.
func ReleaseSchema(s *Schema) bool { return C.rf_schema_release(s) == 1 }

// ReleaseArray invokes the array's release callback if it is still set.
// It reports whether the callback actually fired.
func ReleaseArray(a *Array) bool { return C.rf_array_release(a) == 1 }

// ReleaseStream invokes the stream's release callback if it is still set.
// It reports whether the callback actually fired.
func ReleaseStream(s *Stream) bool { return C.rf_stream_release(s) == 1 }

// MoveSchema transfers ownership from src to dest: dest receives a byte
// copy of src and src is marked released, so only dest's release callback
// remains live.
func MoveSchema(src, dest *Schema) { C.rf_schema_move(src, dest) }

// MoveArray transfers ownership from src to dest.
func MoveArray(src, dest *Array) { C.rf_array_move(src, dest) }

// MoveStream transfers ownership from src to dest.
func MoveStream(src, dest *Stream) { C.rf_stream_move(src, dest) }

// StreamGetSchema calls the stream's get_schema through its function
// pointer, filling out with a freshly owned schema.
func StreamGetSchema(s *Stream, out *Schema) error {
	if errno := C.rf_stream_get_schema(s, out); errno != 0 {
		return streamError(s, int(errno))
	}
	return nil
}

// StreamNext calls the stream's get_next through its function pointer. It
// returns io.EOF once the stream is exhausted; on success out owns the next
// array and must be released by the caller.
func StreamNext(s *Stream, out *Array) error {
	if errno := C.rf_stream_get_next(s, out); errno != 0 {
		return streamError(s, int(errno))
	}
	if ArrayIsReleased(out) {
		return io.EOF
	}
	return nil
}

func streamError(s *Stream, errno int) error {
	msg := C.rf_stream_get_last_error(s)
	if msg == nil {
		return syscall.Errno(errno)
	}
	return fmt.Errorf("%w: %s", syscall.Errno(errno), C.GoString(msg))
}

// StreamSource supplies the schema and batches served by an exported
// stream. Next must return io.EOF once the sequence is exhausted and
// Release frees anything still pending.
type StreamSource interface {
	GetSchema(out *Schema) error
	Next(out *Array) error
	Release()
}

type exportedStream struct {
	src     StreamSource
	lastErr *C.char
}

// NewExportedStream allocates a stream struct on the C heap whose
// callbacks serve from src. The returned struct owns src until its release
// callback runs; the caller owns the struct shell and must free it after
// release.
func NewExportedStream(src StreamSource) *Stream {
	h := cgo.NewHandle(&exportedStream{src: src})
	return C.rf_new_exported_stream(createHandle(h))
}

// DiscardExportedStream dismantles a stream created by NewExportedStream
// without running its source's Release, handing the source's contents back
// to the caller. Used to roll back an export whose hand-off failed.
func DiscardExportedStream(s *Stream) {
	h := getHandle(s.private_data)
	es := h.Value().(*exportedStream)
	if es.lastErr != nil {
		C.free(unsafe.Pointer(es.lastErr))
	}
	h.Delete()
	C.free(s.private_data)
	C.rf_stream_mark_released(s)
	FreeStream(s)
}

// createHandle stores a cgo.Handle in a C-allocated cell so it can ride in
// a struct's private_data field.
func createHandle(h cgo.Handle) unsafe.Pointer {
	p := C.malloc(C.size_t(unsafe.Sizeof(uintptr(0))))
	*(*cgo.Handle)(p) = h
	return p
}

func getHandle(p unsafe.Pointer) cgo.Handle {
	return *(*cgo.Handle)(p)
}
