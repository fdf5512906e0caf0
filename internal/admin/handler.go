package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/52poke/shellcache/internal/cache"
	"github.com/52poke/shellcache/internal/logger"
	"github.com/52poke/shellcache/internal/worker"
)

// Prefix is where the admin routes are mounted.
const Prefix = "/_shellcache"

type Handler struct {
	Host  *worker.Host
	Token string
	Log   *logrus.Entry
}

type workerInfo struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

type cachesResponse struct {
	Version string      `json:"version"`
	Active  *workerInfo `json:"active"`
	Waiting *workerInfo `json:"waiting,omitempty"`
	Stores  []string    `json:"stores"`
}

type storeResponse struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(host *worker.Host, token string) *Handler {
	return &Handler{Host: host, Token: token, Log: logger.WithComponent("admin")}
}

// Routes returns the admin router, to be mounted at Prefix.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.authenticate)
	r.Get("/caches", h.listCaches)
	r.Get("/caches/{name}", h.getCache)
	r.Post("/register", h.register)
	r.Post("/skip-waiting", h.skipWaiting)
	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) listCaches(w http.ResponseWriter, r *http.Request) {
	names, err := h.Host.Storage().Names(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, cachesResponse{
		Version: h.Host.Version(),
		Active:  describe(h.Host.Active()),
		Waiting: describe(h.Host.Waiting()),
		Stores:  names,
	})
}

func (h *Handler) getCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	storage := h.Host.Storage()
	ok, err := storage.Has(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: cache.ErrNoStore.Error()})
		return
	}
	st, err := storage.Open(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	keys, err := st.Keys(r.Context())
	if err != nil && !errors.Is(err, cache.ErrNoStore) {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, storeResponse{Name: name, Keys: keys})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	if err := h.Host.Register(r.Context()); err != nil {
		h.Log.WithError(err).Warn("register via admin failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) skipWaiting(w http.ResponseWriter, r *http.Request) {
	promoted, err := h.Host.SkipWaiting(r.Context())
	if err != nil {
		h.Log.WithError(err).Warn("skip waiting via admin failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	if !promoted {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no waiting worker"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func describe(w *worker.Worker) *workerInfo {
	if w == nil {
		return nil
	}
	return &workerInfo{Version: w.Version(), State: w.State().String()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
