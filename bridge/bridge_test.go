package bridge_test

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockfinch/rockfinch-go/bridge"
	"github.com/rockfinch/rockfinch-go/capsule"
)

var metricsSeq atomic.Int64

// newTestMetrics returns a Metrics instance under a unique namespace so
// each test can count from zero.
func newTestMetrics() *bridge.Metrics {
	return bridge.NewMetrics(fmt.Sprintf("bridgetest%d", metricsSeq.Add(1)))
}

func releases(m *bridge.Metrics, kind string) float64 {
	return testutil.ToFloat64(m.ReleasesTotal.WithLabelValues(kind))
}

var errHostRefused = errors.New("host refused capsule")

// failingHost fails the nth MakeCapsule call and delegates everything else
// to the in-process host.
type failingHost struct {
	inner  capsule.InProcessHost
	failAt int
	calls  int
}

func (h *failingHost) MakeCapsule(ptr unsafe.Pointer, name string, dtor capsule.Destructor) (*capsule.Capsule, error) {
	h.calls++
	if h.calls == h.failAt {
		return nil, errHostRefused
	}
	return h.inner.MakeCapsule(ptr, name, dtor)
}

func (h *failingHost) CapsulePointer(c *capsule.Capsule, name string) (unsafe.Pointer, error) {
	return h.inner.CapsulePointer(c, name)
}

func int32Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	}, nil)
}

func makeInt32Record(t *testing.T, vals []int32, valid []bool) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, int32Schema())
	defer b.Release()
	b.Field(0).(*array.Int32Builder).AppendValues(vals, valid)
	return b.NewRecord()
}

func TestPairRoundTrip(t *testing.T) {
	m := newTestMetrics()
	br := bridge.New(bridge.WithMetrics(m))

	rec := makeInt32Record(t, []int32{10, 20, 0, 40, 50}, []bool{true, true, false, true, true})
	defer rec.Release()

	scCap, arrCap, err := br.ExportPair(rec, nil)
	require.NoError(t, err)
	assert.Equal(t, "arrow_schema", scCap.Name())
	assert.Equal(t, "arrow_array", arrCap.Name())

	back, err := br.ImportPair(scCap, arrCap)
	require.NoError(t, err)
	defer back.Release()

	require.EqualValues(t, 5, back.NumRows())
	assert.True(t, back.Schema().Equal(rec.Schema()))

	col := back.Column(0).(*array.Int32)
	assert.EqualValues(t, 10, col.Value(0))
	assert.EqualValues(t, 20, col.Value(1))
	assert.True(t, col.IsNull(2))
	assert.EqualValues(t, 40, col.Value(3))
	assert.EqualValues(t, 50, col.Value(4))

	// ownership moved out during import: destroying the capsules must
	// not fire any release
	scCap.Destroy()
	arrCap.Destroy()
	assert.Zero(t, releases(m, bridge.KindSchema))
	assert.Zero(t, releases(m, bridge.KindArray))
}

func TestPairDestroyWithoutImport(t *testing.T) {
	m := newTestMetrics()
	br := bridge.New(bridge.WithMetrics(m))

	rec := makeInt32Record(t, []int32{1, 2, 3}, nil)
	defer rec.Release()

	scCap, arrCap, err := br.ExportPair(rec, nil)
	require.NoError(t, err)

	scCap.Destroy()
	arrCap.Destroy()
	assert.EqualValues(t, 1, releases(m, bridge.KindSchema))
	assert.EqualValues(t, 1, releases(m, bridge.KindArray))

	// destroy is idempotent, releases stay at one
	scCap.Destroy()
	arrCap.Destroy()
	assert.EqualValues(t, 1, releases(m, bridge.KindSchema))
	assert.EqualValues(t, 1, releases(m, bridge.KindArray))
}

func TestRecordCapsuleRoundTrip(t *testing.T) {
	m := newTestMetrics()
	br := bridge.New(bridge.WithMetrics(m))

	rec := makeInt32Record(t, []int32{10, 20, 0, 40, 50}, []bool{true, true, false, true, true})
	defer rec.Release()

	scCap, err := br.ExportSchema(rec)
	require.NoError(t, err)
	arrCap, err := br.ExportRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "arrow_array", arrCap.Name())

	// the exported struct holds its own reference, the record stays live
	assert.EqualValues(t, 5, rec.NumRows())

	back, err := br.ImportPair(scCap, arrCap)
	require.NoError(t, err)
	assert.EqualValues(t, 5, back.NumRows())
	assert.True(t, back.Column(0).(*array.Int32).IsNull(2))
	assert.EqualValues(t, 40, back.Column(0).(*array.Int32).Value(3))
	back.Release()

	scCap.Destroy()
	arrCap.Destroy()
	assert.Zero(t, releases(m, bridge.KindArray))
}

func TestRecordCapsuleDestroyWithoutImport(t *testing.T) {
	m := newTestMetrics()
	br := bridge.New(bridge.WithMetrics(m))

	rec := makeInt32Record(t, []int32{1, 2, 3}, nil)
	defer rec.Release()

	c, err := br.ExportRecord(rec)
	require.NoError(t, err)

	c.Destroy()
	assert.EqualValues(t, 1, releases(m, bridge.KindArray))
	c.Destroy()
	assert.EqualValues(t, 1, releases(m, bridge.KindArray))
}

func TestExportRecordRollback(t *testing.T) {
	m := newTestMetrics()
	host := &failingHost{failAt: 1}
	br := bridge.New(bridge.WithHost(host), bridge.WithMetrics(m))

	rec := makeInt32Record(t, []int32{1, 2, 3}, nil)
	defer rec.Release()

	_, err := br.ExportRecord(rec)
	require.ErrorIs(t, err, errHostRefused)

	// the freshly exported struct rolled back with exactly one release
	assert.EqualValues(t, 1, releases(m, bridge.KindArray))
	assert.EqualValues(t, 1, testutil.ToFloat64(m.ExportFailuresTotal.WithLabelValues(bridge.KindArray)))

	// the record is untouched and exports again once the host recovers
	host.failAt = 0
	c, err := br.ExportRecord(rec)
	require.NoError(t, err)
	c.Destroy()
	assert.EqualValues(t, 2, releases(m, bridge.KindArray))
}

func TestImportPairTwice(t *testing.T) {
	br := bridge.New(bridge.WithMetrics(newTestMetrics()))

	rec := makeInt32Record(t, []int32{1, 2, 3}, nil)
	defer rec.Release()

	scCap, arrCap, err := br.ExportPair(rec, nil)
	require.NoError(t, err)
	defer scCap.Destroy()
	defer arrCap.Destroy()

	back, err := br.ImportPair(scCap, arrCap)
	require.NoError(t, err)
	back.Release()

	_, err = br.ImportPair(scCap, arrCap)
	assert.ErrorIs(t, err, bridge.ErrInvalidHandle)
}

func TestTagDiscrimination(t *testing.T) {
	br := bridge.New(bridge.WithMetrics(newTestMetrics()))

	rec := makeInt32Record(t, []int32{1, 2, 3}, nil)
	defer rec.Release()

	scCap, arrCap, err := br.ExportPair(rec, nil)
	require.NoError(t, err)
	defer scCap.Destroy()
	defer arrCap.Destroy()

	// capsules swapped: resolution must fail on name, not crash on
	// reinterpreted memory
	_, err = br.ImportPair(arrCap, scCap)
	assert.ErrorIs(t, err, capsule.ErrNameMismatch)

	_, err = br.ImportSchema(arrCap)
	assert.ErrorIs(t, err, capsule.ErrNameMismatch)

	_, err = br.ImportStreamProxy(scCap)
	assert.ErrorIs(t, err, capsule.ErrNameMismatch)

	// both capsules still import fine afterwards
	back, err := br.ImportPair(scCap, arrCap)
	require.NoError(t, err)
	back.Release()
}

func TestSchemaRoundTrip(t *testing.T) {
	br := bridge.New(bridge.WithMetrics(newTestMetrics()))

	rec := makeInt32Record(t, []int32{1}, nil)
	defer rec.Release()

	c, err := br.ExportSchema(rec)
	require.NoError(t, err)
	defer c.Destroy()
	assert.Equal(t, "arrow_schema", c.Name())

	schema, err := br.ImportSchema(c)
	require.NoError(t, err)
	assert.True(t, schema.Equal(rec.Schema()))

	_, err = br.ImportSchema(c)
	assert.ErrorIs(t, err, bridge.ErrInvalidHandle)
}

func TestExportPairRollbackFirstCapsule(t *testing.T) {
	m := newTestMetrics()
	host := &failingHost{failAt: 1}
	br := bridge.New(bridge.WithHost(host), bridge.WithMetrics(m))

	rec := makeInt32Record(t, []int32{1, 2, 3}, nil)
	defer rec.Release()

	_, _, err := br.ExportPair(rec, nil)
	require.ErrorIs(t, err, errHostRefused)

	// both freshly exported structs rolled back, exactly one release each
	assert.EqualValues(t, 1, releases(m, bridge.KindSchema))
	assert.EqualValues(t, 1, releases(m, bridge.KindArray))
}

func TestExportPairRollbackSecondCapsule(t *testing.T) {
	m := newTestMetrics()
	host := &failingHost{failAt: 2}
	br := bridge.New(bridge.WithHost(host), bridge.WithMetrics(m))

	rec := makeInt32Record(t, []int32{1, 2, 3}, nil)
	defer rec.Release()

	_, _, err := br.ExportPair(rec, nil)
	require.ErrorIs(t, err, errHostRefused)

	// the schema capsule existed briefly and was destroyed by the
	// rollback, the array struct was released directly
	assert.EqualValues(t, 1, releases(m, bridge.KindSchema))
	assert.EqualValues(t, 1, releases(m, bridge.KindArray))
	assert.EqualValues(t, 1, testutil.ToFloat64(m.ExportFailuresTotal.WithLabelValues(bridge.KindPair)))

	// the record itself is untouched and can be exported again
	host.failAt = 0
	scCap, arrCap, err := br.ExportPair(rec, nil)
	require.NoError(t, err)
	back, err := br.ImportPair(scCap, arrCap)
	require.NoError(t, err)
	assert.EqualValues(t, 3, back.NumRows())
	back.Release()
	scCap.Destroy()
	arrCap.Destroy()
}

func TestArrayWrapper(t *testing.T) {
	br := bridge.New(bridge.WithMetrics(newTestMetrics()))

	rec := makeInt32Record(t, []int32{10, 20, 0, 40, 50}, []bool{true, true, false, true, true})
	defer rec.Release()

	a := br.NewArray(rec)
	assert.EqualValues(t, 5, a.Size())
	assert.True(t, a.Schema().Equal(rec.Schema()))

	scCap, arrCap, err := a.ArrowCArray(nil)
	require.NoError(t, err)
	defer scCap.Destroy()
	defer arrCap.Destroy()

	b2, err := br.NewArrayFromCapsules(scCap, arrCap)
	require.NoError(t, err)
	assert.EqualValues(t, 5, b2.Size())
	assert.True(t, b2.Record().Column(0).(*array.Int32).IsNull(2))
	b2.Release()
	b2.Release() // idempotent

	schemaCap, err := a.ArrowCSchema()
	require.NoError(t, err)
	schema, err := br.ImportSchema(schemaCap)
	require.NoError(t, err)
	assert.True(t, schema.Equal(rec.Schema()))
	schemaCap.Destroy()

	a.Release()
}
