package bridge

import (
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/cdata"

	"github.com/rockfinch/rockfinch-go/cabi"
	"github.com/rockfinch/rockfinch-go/capsule"
)

// ExportSchema wraps the record's schema in a capsule named "arrow_schema".
// On hand-off failure the freshly allocated schema struct is released and
// freed before the error is returned.
func (b *Bridge) ExportSchema(rec arrow.Record) (*capsule.Capsule, error) {
	sc := cabi.AllocSchema()
	cdata.ExportArrowSchema(rec.Schema(), cSchema(sc))

	c, err := b.host.MakeCapsule(unsafe.Pointer(sc), SchemaCapsuleName, b.destroySchemaCapsule)
	if err != nil {
		b.releaseSchemaStruct(sc)
		b.metrics.RecordExport(KindSchema, err)
		return nil, fmt.Errorf("make schema capsule: %w", err)
	}
	b.metrics.RecordExport(KindSchema, nil)
	return c, nil
}

// ExportRecord wraps the record's buffers in a capsule named "arrow_array".
// The exported struct holds its own reference to the record's data, so the
// caller's record stays valid and subject to its own Release.
func (b *Bridge) ExportRecord(rec arrow.Record) (*capsule.Capsule, error) {
	arr := cabi.AllocArray()
	cdata.ExportArrowRecordBatch(rec, cArray(arr), nil)

	c, err := b.host.MakeCapsule(unsafe.Pointer(arr), ArrayCapsuleName, b.destroyArrayCapsule)
	if err != nil {
		b.releaseArrayStruct(arr)
		b.metrics.RecordExport(KindArray, err)
		return nil, fmt.Errorf("make array capsule: %w", err)
	}
	b.metrics.RecordExport(KindArray, nil)
	return c, nil
}

// ExportPair wraps the record's schema and buffers in a pair of capsules,
// the host-facing form of the record. The two descriptor structs are
// allocated independently on the C heap so neither capsule's lifetime
// depends on the other, and the hand-off is two-phase: if the second
// capsule cannot be created, the first is destroyed (running its release)
// and the second struct is released directly, so a failure never leaves an
// orphaned live release callback and never double-releases.
//
// requestedSchema is accepted for protocol compatibility and ignored:
// schema negotiation is not implemented, the record is exported as-is.
func (b *Bridge) ExportPair(rec arrow.Record, requestedSchema *capsule.Capsule) (_, _ *capsule.Capsule, err error) {
	_ = requestedSchema

	defer func() { b.metrics.RecordExport(KindPair, err) }()

	sc := cabi.AllocSchema()
	arr := cabi.AllocArray()
	cdata.ExportArrowRecordBatch(rec, cArray(arr), cSchema(sc))

	var undo rollbackStack
	defer undo.run()
	undo.add(func() { b.releaseArrayStruct(arr) })
	undo.add(func() { b.releaseSchemaStruct(sc) })

	scCap, err := b.host.MakeCapsule(unsafe.Pointer(sc), SchemaCapsuleName, b.destroySchemaCapsule)
	if err != nil {
		return nil, nil, fmt.Errorf("make schema capsule: %w", err)
	}
	// the schema struct now belongs to its capsule
	undo.pop()
	undo.add(scCap.Destroy)

	arrCap, err := b.host.MakeCapsule(unsafe.Pointer(arr), ArrayCapsuleName, b.destroyArrayCapsule)
	if err != nil {
		return nil, nil, fmt.Errorf("make array capsule: %w", err)
	}

	undo.discharge()
	return scCap, arrCap, nil
}

// ExportStream wraps a sequence of records in a single capsule named
// "arrow_array_stream" serving them in order. The first record's schema
// becomes the stream schema; later records are trusted to be
// schema-compatible and are not re-validated. Exporting zero records fails
// with ErrEmptyStream.
//
// requestedSchema is accepted for protocol compatibility and ignored.
func (b *Bridge) ExportStream(recs []arrow.Record, requestedSchema *capsule.Capsule) (*capsule.Capsule, error) {
	_ = requestedSchema

	if len(recs) == 0 {
		b.metrics.RecordExport(KindStream, ErrEmptyStream)
		return nil, ErrEmptyStream
	}

	pending := make([]arrow.Record, len(recs))
	for i, rec := range recs {
		rec.Retain()
		pending[i] = rec
	}

	src := &recordStreamSource{
		schema:  recs[0].Schema(),
		pending: pending,
		metrics: b.metrics,
	}
	return b.exportStreamSource(src)
}

// ExportRecordToStreamCapsule wraps a single record as a one-batch stream
// capsule.
func (b *Bridge) ExportRecordToStreamCapsule(rec arrow.Record, requestedSchema *capsule.Capsule) (*capsule.Capsule, error) {
	return b.ExportStream([]arrow.Record{rec}, requestedSchema)
}

// exportStreamSource allocates the C stream struct over src and hands it to
// the host. On hand-off failure the stream's release runs, freeing whatever
// src still holds.
func (b *Bridge) exportStreamSource(src *recordStreamSource) (*capsule.Capsule, error) {
	st := cabi.NewExportedStream(src)

	c, err := b.host.MakeCapsule(unsafe.Pointer(st), StreamCapsuleName, b.destroyStreamCapsule)
	if err != nil {
		b.releaseStreamStruct(st)
		b.metrics.RecordExport(KindStream, err)
		return nil, fmt.Errorf("make stream capsule: %w", err)
	}
	b.metrics.RecordExport(KindStream, nil)
	return c, nil
}
