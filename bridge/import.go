package bridge

import (
	"fmt"
	"runtime"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/cdata"

	"github.com/rockfinch/rockfinch-go/cabi"
	"github.com/rockfinch/rockfinch-go/capsule"
)

// ImportPair reclaims a schema/array capsule pair as a record. Both
// descriptor structs are moved out of their capsules before any decoding
// happens, so the capsules are inert afterwards no matter how the import
// ends: destroying them later frees empty shells and fires no release.
// Importing the same pair twice fails with ErrInvalidHandle.
func (b *Bridge) ImportPair(schemaCapsule, arrayCapsule *capsule.Capsule) (rec arrow.Record, err error) {
	defer func() { b.metrics.RecordImport(KindPair, err) }()

	scp, err := b.host.CapsulePointer(schemaCapsule, SchemaCapsuleName)
	if err != nil {
		return nil, fmt.Errorf("schema capsule: %w", err)
	}
	arp, err := b.host.CapsulePointer(arrayCapsule, ArrayCapsuleName)
	if err != nil {
		return nil, fmt.Errorf("array capsule: %w", err)
	}

	sc := (*cabi.Schema)(scp)
	arr := (*cabi.Array)(arp)
	if cabi.SchemaIsReleased(sc) || cabi.ArrayIsReleased(arr) {
		return nil, ErrInvalidHandle
	}

	localSc := cabi.AllocSchema()
	localArr := cabi.AllocArray()
	cabi.MoveSchema(sc, localSc)
	cabi.MoveArray(arr, localArr)

	rec, err = cdata.ImportCRecordBatch(cArray(localArr), cSchema(localSc))
	if err != nil {
		// the importer releases on success; on failure whatever is
		// still live is ours to release
		b.releaseSchemaStruct(localSc)
		b.releaseArrayStruct(localArr)
		return nil, fmt.Errorf("import record: %w", err)
	}
	cabi.FreeSchema(localSc)
	cabi.FreeArray(localArr)
	return rec, nil
}

// ImportSchema reclaims a schema capsule. Schemas are value-like: the C
// struct is consumed and the returned schema is an independent copy.
func (b *Bridge) ImportSchema(c *capsule.Capsule) (_ *arrow.Schema, err error) {
	defer func() { b.metrics.RecordImport(KindSchema, err) }()

	p, err := b.host.CapsulePointer(c, SchemaCapsuleName)
	if err != nil {
		return nil, fmt.Errorf("schema capsule: %w", err)
	}
	sc := (*cabi.Schema)(p)
	if cabi.SchemaIsReleased(sc) {
		return nil, ErrInvalidHandle
	}

	local := cabi.AllocSchema()
	cabi.MoveSchema(sc, local)
	schema, err := cdata.ImportCArrowSchema(cSchema(local))
	cabi.FreeSchema(local)
	if err != nil {
		return nil, fmt.Errorf("import schema: %w", err)
	}
	return schema, nil
}

// ImportStreamProxy reclaims a stream capsule as a proxy. The stream struct
// is moved out of the capsule and the schema is read eagerly, so a capsule
// holding a broken producer fails here rather than on the first Pop. The
// proxy carries a finalizer releasing the underlying stream if the caller
// drops it without draining; calling Close makes that deterministic.
func (b *Bridge) ImportStreamProxy(c *capsule.Capsule) (_ *StreamProxy, err error) {
	defer func() { b.metrics.RecordImport(KindStream, err) }()

	p, err := b.host.CapsulePointer(c, StreamCapsuleName)
	if err != nil {
		return nil, fmt.Errorf("stream capsule: %w", err)
	}
	st := (*cabi.Stream)(p)
	if cabi.StreamIsReleased(st) {
		return nil, ErrInvalidHandle
	}

	local := cabi.AllocStream()
	cabi.MoveStream(st, local)

	scStruct := cabi.AllocSchema()
	if err := cabi.StreamGetSchema(local, scStruct); err != nil {
		cabi.FreeSchema(scStruct)
		b.releaseStreamStruct(local)
		return nil, fmt.Errorf("%w: get_schema: %v", ErrInvalidStream, err)
	}
	schema, err := cdata.ImportCArrowSchema(cSchema(scStruct))
	cabi.FreeSchema(scStruct)
	if err != nil {
		b.releaseStreamStruct(local)
		return nil, fmt.Errorf("import stream schema: %w", err)
	}

	proxy := &StreamProxy{bridge: b, schema: schema, src: local}
	runtime.SetFinalizer(proxy, (*StreamProxy).Close)
	return proxy, nil
}

// ImportStream reclaims a stream capsule and drains it. The caller owns the
// returned records and must Release each one.
func (b *Bridge) ImportStream(c *capsule.Capsule) ([]arrow.Record, error) {
	proxy, err := b.ImportStreamProxy(c)
	if err != nil {
		return nil, err
	}
	defer proxy.Close()

	var recs []arrow.Record
	for {
		rec, err := proxy.Pop()
		if err != nil {
			for _, r := range recs {
				r.Release()
			}
			return nil, err
		}
		if rec == nil {
			return recs, nil
		}
		recs = append(recs, rec)
	}
}

// ImportRecordFromStreamCapsule reclaims a stream capsule expected to hold
// a single batch. Extra batches are released; an empty stream fails with
// ErrEmptyStream.
func (b *Bridge) ImportRecordFromStreamCapsule(c *capsule.Capsule) (arrow.Record, error) {
	proxy, err := b.ImportStreamProxy(c)
	if err != nil {
		return nil, err
	}
	defer proxy.Close()

	rec, err := proxy.Pop()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrEmptyStream
	}
	return rec, nil
}
