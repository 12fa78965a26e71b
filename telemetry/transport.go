package telemetry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// InstrumentedTransport records bridge call metrics for every round trip.
// The operation label comes from the request context (see WithOperation)
// and the call is recorded when the response body is closed.
type InstrumentedTransport struct {
	next http.RoundTripper
}

// NewInstrumentedTransport wraps next, or http.DefaultTransport when nil.
func NewInstrumentedTransport(next http.RoundTripper) *InstrumentedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &InstrumentedTransport{next: next}
}

func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	call := bridgeCall{ctx: ctx, op: OperationFromContext(ctx), start: time.Now()}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		call.outcome = "error"
		if ctx.Err() != nil {
			call.outcome = "canceled"
		}
		call.record()
		return nil, err
	}

	call.outcome = statusOutcome(resp.StatusCode)
	resp.Body = &recordingBody{ReadCloser: resp.Body, call: &call}
	return resp, nil
}

func statusOutcome(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "success"
	}
}

type bridgeCall struct {
	ctx     context.Context
	op      string
	outcome string
	start   time.Time
}

func (c *bridgeCall) record() {
	RecordBridgeCall(c.ctx, c.op, c.outcome, time.Since(c.start))
}

type recordingBody struct {
	io.ReadCloser
	call *bridgeCall
	once sync.Once
}

func (b *recordingBody) Close() error {
	b.once.Do(b.call.record)
	return b.ReadCloser.Close()
}
