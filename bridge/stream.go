package bridge

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/cdata"

	"github.com/rockfinch/rockfinch-go/cabi"
	"github.com/rockfinch/rockfinch-go/capsule"
)

// recordStreamSource backs an exported "arrow_array_stream" capsule. It
// serves a queue of retained records first, then drains an optional
// underlying C stream. It owns both until Release.
type recordStreamSource struct {
	schema  *arrow.Schema
	pending []arrow.Record
	stream  *cabi.Stream
	metrics *Metrics
}

func (s *recordStreamSource) GetSchema(out *cabi.Schema) error {
	cdata.ExportArrowSchema(s.schema, cSchema(out))
	return nil
}

func (s *recordStreamSource) Next(out *cabi.Array) error {
	if len(s.pending) > 0 {
		rec := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		cdata.ExportArrowRecordBatch(rec, cArray(out), nil)
		rec.Release()
		s.metrics.RecordStreamBatch()
		return nil
	}
	if s.stream != nil {
		err := cabi.StreamNext(s.stream, out)
		if err == nil {
			s.metrics.RecordStreamBatch()
		}
		return err
	}
	return io.EOF
}

func (s *recordStreamSource) Release() {
	for i, rec := range s.pending {
		rec.Release()
		s.pending[i] = nil
	}
	s.pending = nil
	if s.stream != nil {
		if cabi.ReleaseStream(s.stream) {
			s.metrics.RecordRelease(KindStream)
		}
		cabi.FreeStream(s.stream)
		s.stream = nil
	}
}

// StreamProxy is the two-sided view of a record stream: batches can be
// pulled one at a time with Pop, buffered with Push, or the whole remainder
// re-exported as a stream capsule with ExportToCapsule. A proxy is
// single-shot: once exported it is consumed, Push and Pop fail with
// ErrStreamConsumed and a second export fails with ErrAlreadyConsumed.
type StreamProxy struct {
	mu       sync.Mutex
	bridge   *Bridge
	schema   *arrow.Schema
	queue    []arrow.Record
	src      *cabi.Stream
	consumed bool
}

// NewStreamProxy returns an empty proxy producing batches of the given
// schema.
func (b *Bridge) NewStreamProxy(schema *arrow.Schema) *StreamProxy {
	return &StreamProxy{bridge: b, schema: schema}
}

// NewStreamProxyFromRecord returns a proxy holding the single record. The
// proxy retains the record; the caller keeps its own reference.
func (b *Bridge) NewStreamProxyFromRecord(rec arrow.Record) *StreamProxy {
	rec.Retain()
	return &StreamProxy{
		bridge: b,
		schema: rec.Schema(),
		queue:  []arrow.Record{rec},
	}
}

// Schema returns the stream schema.
func (p *StreamProxy) Schema() *arrow.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schema
}

// Consumed reports whether the proxy has been exported.
func (p *StreamProxy) Consumed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}

// Push appends a record to the proxy's buffer, retaining it.
func (p *StreamProxy) Push(rec arrow.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrStreamConsumed
	}
	rec.Retain()
	p.queue = append(p.queue, rec)
	if p.schema == nil {
		p.schema = rec.Schema()
	}
	return nil
}

// Pop returns the next batch, buffered records first, then the underlying
// stream if any. At end of stream it returns (nil, nil) and the underlying
// stream, if present, has been released. The caller owns the returned
// record and must Release it.
func (p *StreamProxy) Pop() (arrow.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return nil, ErrStreamConsumed
	}
	if len(p.queue) > 0 {
		rec := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		return rec, nil
	}
	if p.src == nil {
		return nil, nil
	}

	out := cabi.AllocArray()
	err := cabi.StreamNext(p.src, out)
	if errors.Is(err, io.EOF) {
		cabi.FreeArray(out)
		p.releaseSourceLocked()
		return nil, nil
	}
	if err != nil {
		cabi.FreeArray(out)
		return nil, fmt.Errorf("%w: %v", ErrInvalidStream, err)
	}

	rec, err := cdata.ImportCRecordBatchWithSchema(cArray(out), p.schema)
	cabi.FreeArray(out)
	if err != nil {
		return nil, fmt.Errorf("import stream batch: %w", err)
	}
	p.bridge.metrics.RecordStreamBatch()
	return rec, nil
}

// ExportToCapsule hands the proxy's remaining batches to the host as a
// stream capsule and marks the proxy consumed. If the host rejects the
// capsule the proxy is left untouched and still usable.
//
// requestedSchema is accepted for protocol compatibility and ignored.
func (p *StreamProxy) ExportToCapsule(requestedSchema *capsule.Capsule) (*capsule.Capsule, error) {
	_ = requestedSchema

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		p.bridge.metrics.RecordExport(KindStream, ErrAlreadyConsumed)
		return nil, ErrAlreadyConsumed
	}
	if p.schema == nil {
		p.bridge.metrics.RecordExport(KindStream, ErrEmptyStream)
		return nil, ErrEmptyStream
	}

	src := &recordStreamSource{
		schema:  p.schema,
		pending: p.queue,
		stream:  p.src,
		metrics: p.bridge.metrics,
	}
	st := cabi.NewExportedStream(src)

	c, err := p.bridge.host.MakeCapsule(unsafe.Pointer(st), StreamCapsuleName, p.bridge.destroyStreamCapsule)
	if err != nil {
		// dismantle the C shell without running the source release:
		// the queue and underlying stream stay with the proxy
		cabi.DiscardExportedStream(st)
		p.bridge.metrics.RecordExport(KindStream, err)
		return nil, fmt.Errorf("make stream capsule: %w", err)
	}

	p.queue = nil
	p.src = nil
	p.consumed = true
	runtime.SetFinalizer(p, nil)
	p.bridge.metrics.RecordExport(KindStream, nil)
	return c, nil
}

// releaseSourceLocked releases and frees the underlying C stream. Caller
// holds p.mu.
func (p *StreamProxy) releaseSourceLocked() {
	if p.src == nil {
		return
	}
	if cabi.ReleaseStream(p.src) {
		p.bridge.metrics.RecordRelease(KindStream)
	}
	cabi.FreeStream(p.src)
	p.src = nil
}

// Close releases any batches and underlying stream the proxy still holds.
// Safe to call on a consumed proxy.
func (p *StreamProxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, rec := range p.queue {
		rec.Release()
		p.queue[i] = nil
	}
	p.queue = nil
	p.releaseSourceLocked()
	runtime.SetFinalizer(p, nil)
}
