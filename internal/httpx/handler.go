package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/52poke/shellcache/internal/logger"
	"github.com/52poke/shellcache/internal/telemetry"
	"github.com/52poke/shellcache/internal/upstream"
	"github.com/52poke/shellcache/internal/worker"
)

// CacheHeader tells clients which side answered.
const CacheHeader = "X-Shellcache"

var networkErrorBody = []byte("network error\n")

// Dispatcher delivers fetch events; *worker.Host implements it.
type Dispatcher interface {
	Fetch(ctx context.Context, r *http.Request) (worker.Result, error)
}

// Handler turns each proxied request into a fetch event.
type Handler struct {
	Host    Dispatcher
	Metrics *telemetry.Metrics
	Log     *logrus.Entry
}

func NewHandler(host Dispatcher, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		Host:    host,
		Metrics: metrics,
		Log:     logger.WithComponent("http"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := h.Host.Fetch(r.Context(), r)
	if err != nil {
		h.Log.WithError(err).WithField("path", r.URL.Path).Warn("fetch event failed")
	}

	switch res.Source {
	case worker.FromNetwork, worker.FromCache:
		writeResponse(w, res.Response, string(res.Source))
	default:
		writeNetworkError(w)
	}

	if h.Metrics != nil {
		h.Metrics.RequestDuration.WithLabelValues(string(res.Source)).Observe(time.Since(start).Seconds())
	}
}

func writeResponse(w http.ResponseWriter, resp *upstream.Response, source string) {
	for k, vv := range resp.Header {
		if _, hop := upstream.HopByHopHeaders[k]; hop {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Del("Content-Length")
	w.Header().Set(CacheHeader, source)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// writeNetworkError answers when neither the network nor the cache could.
func writeNetworkError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(CacheHeader, "miss")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(networkErrorBody)
}
