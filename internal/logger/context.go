package logger

import "context"

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request/connection-scoped logging fields: the remote
// target, the pool descriptor the operation concerns, the lane it runs
// on, and the OpenTelemetry trace/span ids for the same operation.
type LogContext struct {
	TraceID  string
	SpanID   string
	Target   string // "[user@]node[:service]"
	PoolDesc string
	Lane     int // -1 when not lane-scoped
}

// NewLogContext returns a LogContext scoped to a remote target.
func NewLogContext(target string) *LogContext {
	return &LogContext{Target: target, Lane: -1}
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext previously attached to ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// Clone returns a copy of lc.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithPool returns a copy of lc with PoolDesc set.
func (lc *LogContext) WithPool(desc string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.PoolDesc = desc
	}
	return c
}

// WithLane returns a copy of lc with Lane set.
func (lc *LogContext) WithLane(lane int) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Lane = lane
	}
	return c
}

// WithTrace returns a copy of lc with trace/span ids set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}
