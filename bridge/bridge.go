// Package bridge moves ownership of Arrow arrays between this process and
// a host runtime through named capsules carrying Arrow C data interface
// structs.
//
// Exporting heap-allocates descriptor structs on the C heap, hands each to
// a capsule with a destructor, and rolls back symmetrically if the hand-off
// fails partway. Importing copies the descriptor payloads out of the
// capsules and nulls the originals' release callbacks, so the capsules'
// eventual destruction is a no-op and exactly one owner holds live buffers
// at any time.
//
// The protocol is single-threaded by contract: callers serialize access to
// a given record, capsule or proxy themselves.
package bridge

import (
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/cdata"

	"github.com/rockfinch/rockfinch-go/cabi"
	"github.com/rockfinch/rockfinch-go/capsule"
)

// Capsule names fixed by the Arrow PyCapsule interface. Resolution is by
// exact string equality.
const (
	SchemaCapsuleName = "arrow_schema"
	ArrayCapsuleName  = "arrow_array"
	StreamCapsuleName = "arrow_array_stream"
)

// Bridge exchanges Arrow records with a host runtime through capsules.
type Bridge struct {
	host    capsule.Host
	metrics *Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHost sets the host runtime the bridge hands capsules to. Defaults to
// the in-process host.
func WithHost(h capsule.Host) Option {
	return func(b *Bridge) { b.host = h }
}

// WithMetrics sets the metrics instance. Defaults to DefaultMetrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		host:    capsule.InProcessHost{},
		metrics: DefaultMetrics,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// cSchema views a cabi schema struct through the arrow-go cdata type. Both
// types describe the same fixed C layout.
func cSchema(s *cabi.Schema) *cdata.CArrowSchema {
	return cdata.SchemaFromPtr(uintptr(unsafe.Pointer(s)))
}

// cArray views a cabi array struct through the arrow-go cdata type.
func cArray(a *cabi.Array) *cdata.CArrowArray {
	return cdata.ArrayFromPtr(uintptr(unsafe.Pointer(a)))
}

// releaseSchemaStruct releases a schema's contents if still owned, then
// frees the struct shell.
func (b *Bridge) releaseSchemaStruct(s *cabi.Schema) {
	if cabi.ReleaseSchema(s) {
		b.metrics.RecordRelease(KindSchema)
	}
	cabi.FreeSchema(s)
}

// releaseArrayStruct releases an array's contents if still owned, then
// frees the struct shell.
func (b *Bridge) releaseArrayStruct(a *cabi.Array) {
	if cabi.ReleaseArray(a) {
		b.metrics.RecordRelease(KindArray)
	}
	cabi.FreeArray(a)
}

// releaseStreamStruct releases a stream's remaining contents if still
// owned, then frees the struct shell.
func (b *Bridge) releaseStreamStruct(s *cabi.Stream) {
	if cabi.ReleaseStream(s) {
		b.metrics.RecordRelease(KindStream)
	}
	cabi.FreeStream(s)
}

// Capsule destructors. Each must be a safe no-op for a struct whose
// release callback was nulled by an import.

func (b *Bridge) destroySchemaCapsule(p unsafe.Pointer) {
	b.releaseSchemaStruct((*cabi.Schema)(p))
}

func (b *Bridge) destroyArrayCapsule(p unsafe.Pointer) {
	b.releaseArrayStruct((*cabi.Array)(p))
}

func (b *Bridge) destroyStreamCapsule(p unsafe.Pointer) {
	b.releaseStreamStruct((*cabi.Stream)(p))
}
