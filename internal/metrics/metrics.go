// Package metrics exposes the node's internal counters and gauges over
// Prometheus's client_golang exposition format, giving the structured
// logs a scrapeable counterpart for routing-table occupancy and RPC load.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gauges/counters this core reports.
type Registry struct {
	reg *prometheus.Registry

	RoutingTableEntries *prometheus.GaugeVec
	RPCInFlight         prometheus.Gauge
	EnvelopesSent       prometheus.Counter
	EnvelopesRejected   *prometheus.CounterVec
	ReceiptWaiters      prometheus.Gauge
	StorageUsedBytes    prometheus.Gauge
}

// New builds a fresh registry with every metric registered under the
// "overlaynode" namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		RoutingTableEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "overlaynode", Name: "routing_table_entries", Help: "Entries currently held per routing domain.",
		}, []string{"domain"}),
		RPCInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlaynode", Name: "rpc_in_flight", Help: "RPC operations currently being handled.",
		}),
		EnvelopesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlaynode", Name: "envelopes_sent_total", Help: "Envelopes successfully dispatched.",
		}),
		EnvelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlaynode", Name: "envelopes_rejected_total", Help: "Inbound envelopes rejected by the validation pipeline.",
		}, []string{"reason"}),
		ReceiptWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlaynode", Name: "receipt_waiters", Help: "Outstanding receipt waiters.",
		}),
		StorageUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlaynode", Name: "storage_used_bytes", Help: "Bytes currently committed in the DHT record store.",
		}),
	}
	reg.MustRegister(r.RoutingTableEntries, r.RPCInFlight, r.EnvelopesSent, r.EnvelopesRejected, r.ReceiptWaiters, r.StorageUsedBytes)
	return r
}

// Serve starts the Prometheus exposition HTTP server on addr and blocks
// until ctx is canceled.
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
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
