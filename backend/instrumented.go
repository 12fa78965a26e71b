package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/tts-bridge/telemetry"
)

// InstrumentedBackend records a metric for every operation on a tier.
// The tier name is attached as an attribute.
type InstrumentedBackend struct {
	inner Backend
	tier  string
}

// NewInstrumentedBackend wraps b, labelling its metrics with tier.
func NewInstrumentedBackend(b Backend, tier string) *InstrumentedBackend {
	return &InstrumentedBackend{inner: b, tier: tier}
}

// Name returns the tier label.
func (ib *InstrumentedBackend) Name() string {
	return ib.tier
}

func (ib *InstrumentedBackend) observe(ctx context.Context, op string, since time.Time, n int64, err error) {
	telemetry.RecordBackendOp(ctx, ib.tier, op, outcomeFromError(err), time.Since(since), n)
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) (err error) {
	start, cr := time.Now(), &countingReader{r: r}
	defer func() { ib.observe(ctx, "write", start, cr.n, err) }()
	return ib.inner.Write(ctx, key, cr)
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { ib.observe(ctx, "read", start, 0, err) }(time.Now())
	return ib.inner.Read(ctx, key)
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { ib.observe(ctx, "delete", start, 0, err) }(time.Now())
	return ib.inner.Delete(ctx, key)
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { ib.observe(ctx, "exists", start, 0, err) }(time.Now())
	return ib.inner.Exists(ctx, key)
}

func (ib *InstrumentedBackend) List(ctx context.Context) (keys []string, err error) {
	defer func(start time.Time) { ib.observe(ctx, "list", start, 0, err) }(time.Now())
	return ib.inner.List(ctx)
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (info Info, err error) {
	defer func(start time.Time) { ib.observe(ctx, "stat", start, 0, err) }(time.Now())
	return ib.inner.Stat(ctx, key)
}

// Writer requires the wrapped tier to be a WriterBackend. The write is
// recorded when it is committed or aborted.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (AtomicWriter, error) {
	wb, ok := ib.inner.(WriterBackend)
	if !ok {
		return nil, fmt.Errorf("tier %s cannot stage writes", ib.tier)
	}
	start := time.Now()
	w, err := wb.Writer(ctx, key)
	if err != nil {
		ib.observe(ctx, "writer", start, 0, err)
		return nil, err
	}
	return &countingWriter{AtomicWriter: w, ctx: ctx, ib: ib, start: start}, nil
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingWriter struct {
	AtomicWriter
	ctx   context.Context
	ib    *InstrumentedBackend
	start time.Time
	n     int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.AtomicWriter.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Close() error {
	err := cw.AtomicWriter.Close()
	cw.ib.observe(cw.ctx, "writer", cw.start, cw.n, err)
	return err
}

func (cw *countingWriter) Abort() error {
	telemetry.RecordBackendOp(cw.ctx, cw.ib.tier, "writer", "aborted", time.Since(cw.start), 0)
	return cw.AtomicWriter.Abort()
}

var (
	_ Backend       = (*InstrumentedBackend)(nil)
	_ WriterBackend = (*InstrumentedBackend)(nil)
)
