// Package metrics wires the daemon's prometheus collectors into one
// registry and exposes them over HTTP on the address the caller gives
// Serve, the way the teacher's exporter commands expose theirs.
package metrics

import (
	"context"
	"net/http"

	"github.com/openpmem/rpmem/internal/dataplane"
	"github.com/openpmem/rpmem/internal/oob"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the concrete prometheus collectors consumed by
// internal/oob and internal/dataplane, plus the registry they're
// registered against.
type Registry struct {
	reg *prometheus.Registry

	OOB       *oob.Metrics
	Dataplane *dataplane.Metrics
}

// New constructs and registers every collector named in the
// Observability section: OOB requests by type/status, persist
// operations by mode, bytes flushed, and WQ-full stalls.
func New() *Registry {
	reg := prometheus.NewRegistry()

	oobRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpmem",
		Subsystem: "oob",
		Name:      "requests_total",
		Help:      "OOB control-plane requests processed, by message type and response status.",
	}, []string{"type", "status"})

	persistOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpmem",
		Subsystem: "dataplane",
		Name:      "persist_ops_total",
		Help:      "Persist operations completed, by persist mode.",
	}, []string{"mode"})

	bytesFlushed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rpmem",
		Subsystem: "dataplane",
		Name:      "bytes_flushed_total",
		Help:      "Bytes submitted via flush/persist across all lanes.",
	})

	wqStalls := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rpmem",
		Subsystem: "dataplane",
		Name:      "wq_stalls_total",
		Help:      "Times a lane's WQ reached capacity and had to wait for a signaled completion.",
	})

	lanesPosted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rpmem",
		Subsystem: "dataplane",
		Name:      "lanes_posted_total",
		Help:      "Lane operations posted to the fabric.",
	})

	reg.MustRegister(oobRequests, persistOps, bytesFlushed, wqStalls, lanesPosted)

	return &Registry{
		reg:       reg,
		OOB:       &oob.Metrics{Requests: oobRequests},
		Dataplane: &dataplane.Metrics{
			PersistOps:   persistOps,
			BytesFlushed: bytesFlushed,
			WQStalls:     wqStalls,
			LanesPosted:  lanesPosted,
		},
	}
}

// Serve starts an HTTP server on addr exposing /metrics and blocks
// until ctx is cancelled or the server fails.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
