package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpguard/mcpbridge/internal/bridge"
	"github.com/mcpguard/mcpbridge/internal/config"
	"github.com/mcpguard/mcpbridge/internal/logx"
)

// StatusSource is what the status endpoints report on.
type StatusSource interface {
	State() bridge.State
	Status() bridge.Status
}

type API struct {
	config   *config.Config
	source   StatusSource
	registry *prometheus.Registry
}

func NewStatusAPI(cfg *config.Config, source StatusSource, registry *prometheus.Registry) *API {
	return &API{
		config:   cfg,
		source:   source,
		registry: registry,
	}
}

// Router wires the status routes.
func (api *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", api.Health).Methods(http.MethodGet)
	router.HandleFunc("/status", api.Status).Methods(http.MethodGet)
	if api.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(api.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

// Health answers 200 while messages are flowing and 503 otherwise.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	state := api.source.State()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if state != bridge.StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write([]byte(state.String() + "\n"))
}

type statusResponse struct {
	InstanceID string `json:"instance_id"`
	Command    string `json:"command"`
	bridge.Status
}

func (api *API) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: api.source.Status()}
	if api.config != nil {
		resp.InstanceID = api.config.InstanceID
		resp.Command = api.config.ChildCommand
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logx.Log.Debug().Err(err).Msg("write status response")
	}
}

// Serve runs the status server on addr until ctx is done. The listener is
// bound before Serve returns so that address errors surface immediately.
func Serve(ctx context.Context, addr string, handler http.Handler) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logx.Log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Msg("status server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return ln.Addr(), nil
}
