package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentryd/sentryd/internal/metrics"
)

// statusServer implements spec.md §4.13's minimal operational surface:
// /healthz (process liveness) and /metrics (Prometheus exposition). It
// never serves check results or configuration — that boundary belongs
// to the out-of-scope Livestatus/Compat components.
type statusServer struct {
	addr   string
	srv    *http.Server
}

func newStatusServer(addr string, reg *metrics.Registry) *statusServer {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return &statusServer{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Run serves until ctx is cancelled.
func (s *statusServer) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	_ = s.srv.ListenAndServe()
}
