package bridge

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/rockfinch/rockfinch-go/capsule"
)

// Array is a record with the host-facing protocol methods hanging off it:
// it can describe itself as a schema capsule, a schema/array capsule pair,
// or a one-batch stream capsule.
type Array struct {
	bridge   *Bridge
	rec      arrow.Record
	released bool
}

// NewArray wraps a record, retaining it. The caller keeps its own
// reference.
func (b *Bridge) NewArray(rec arrow.Record) *Array {
	rec.Retain()
	return &Array{bridge: b, rec: rec}
}

// NewArrayFromCapsules imports a schema/array capsule pair into a wrapped
// record.
func (b *Bridge) NewArrayFromCapsules(schemaCapsule, arrayCapsule *capsule.Capsule) (*Array, error) {
	rec, err := b.ImportPair(schemaCapsule, arrayCapsule)
	if err != nil {
		return nil, err
	}
	return &Array{bridge: b, rec: rec}, nil
}

// Record returns the underlying record. The Array keeps its reference; the
// caller must Retain to hold on past Release.
func (a *Array) Record() arrow.Record { return a.rec }

// Schema returns the record's schema.
func (a *Array) Schema() *arrow.Schema { return a.rec.Schema() }

// Size returns the number of rows.
func (a *Array) Size() int64 { return a.rec.NumRows() }

// ArrowCSchema exports the schema as an "arrow_schema" capsule.
func (a *Array) ArrowCSchema() (*capsule.Capsule, error) {
	return a.bridge.ExportSchema(a.rec)
}

// ArrowCArray exports the record as an "arrow_schema"/"arrow_array"
// capsule pair. requestedSchema is accepted for protocol compatibility and
// ignored.
func (a *Array) ArrowCArray(requestedSchema *capsule.Capsule) (schemaCapsule, arrayCapsule *capsule.Capsule, err error) {
	return a.bridge.ExportPair(a.rec, requestedSchema)
}

// ArrowCStream exports the record as a one-batch "arrow_array_stream"
// capsule. requestedSchema is accepted for protocol compatibility and
// ignored.
func (a *Array) ArrowCStream(requestedSchema *capsule.Capsule) (*capsule.Capsule, error) {
	return a.bridge.ExportRecordToStreamCapsule(a.rec, requestedSchema)
}

// Release drops the Array's reference to the record. Idempotent.
func (a *Array) Release() {
	if a.released {
		return
	}
	a.released = true
	a.rec.Release()
}
