package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"animehub/internal/config"
	"animehub/internal/domain"
	"animehub/internal/jd"
	"animehub/internal/netx"
)

// Logger is the subset of cli.Logger the server writes to.
type Logger interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// SettingsStore is implemented by *config.Store.
type SettingsStore interface {
	Get() (config.Settings, error)
	Update(fn func(*config.Settings)) (config.Settings, error)
	SaveDevice(id, name string) error
}

type manager interface {
	domain.Sender
	Mode() string
	TestConnection(ctx context.Context) (jd.Result, error)
	ScanDevices(ctx context.Context) (jd.ScanResult, error)
}

// Server serves the download-manager endpoints.
type Server struct {
	store  SettingsStore
	net    *netx.Client
	log    Logger
	source domain.LinkSource

	newManager func(cfg config.JDownloader) manager
}

// NewServer wires the handlers. source may be nil, in which case requests must
// carry their links.
func NewServer(store SettingsStore, net *netx.Client, log Logger, source domain.LinkSource) *Server {
	s := &Server{store: store, net: net, log: log, source: source}
	s.newManager = s.buildManager
	return s
}

// buildManager returns a fresh facade per request so settings edits apply
// immediately.
func (s *Server) buildManager(cfg config.JDownloader) manager {
	return jd.NewManager(cfg, s.net, jd.WithDeviceSelected(s.saveDevice))
}

func (s *Server) saveDevice(sel jd.DeviceSelection) {
	if err := s.store.SaveDevice(sel.DeviceID, sel.DeviceName); err != nil {
		s.log.Warn(fmt.Sprintf("could not persist device %s: %v", sel.DeviceID, err))
		return
	}
	s.log.Info(fmt.Sprintf("JDownloader device saved: %s (%s)", sel.DeviceName, sel.DeviceID))
}

// Router builds the gorilla/mux router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", s.handlePutSettings).Methods(http.MethodPut)
	r.HandleFunc("/api/settings/test-connection", s.handleCheckSettings).Methods(http.MethodPost)
	r.HandleFunc("/api/settings/web/devices", s.handleValidateAccount).Methods(http.MethodPost)
	r.HandleFunc("/api/jd/test", s.handleTestConnection).Methods(http.MethodPost)
	r.HandleFunc("/api/jd/devices", s.handleScanDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/jd/links", s.handleAddLinks).Methods(http.MethodPost)
	r.HandleFunc("/download-episode", s.handleDownloadEpisode).Methods(http.MethodPost)
	r.HandleFunc("/download", s.handleDownload).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// NewHTTPServer returns an http.Server for addr with conservative timeouts.
// WriteTimeout stays zero because /download streams.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Info(fmt.Sprintf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond)))
	})
}
