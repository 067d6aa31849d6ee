package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/api/handlers"
	apimiddleware "github.com/linuxmuster/lmn-authority/pkg/api/middleware"
	"github.com/linuxmuster/lmn-authority/pkg/authority/changelog"
	"github.com/linuxmuster/lmn-authority/pkg/authority/devices"
	"github.com/linuxmuster/lmn-authority/pkg/authority/dhcpexport"
	"github.com/linuxmuster/lmn-authority/pkg/authority/images"
	"github.com/linuxmuster/lmn-authority/pkg/authority/startconf"
	"github.com/linuxmuster/lmn-authority/pkg/config"
	"github.com/linuxmuster/lmn-authority/pkg/metrics"
)

// RouterDeps bundles the state the router serves from.
type RouterDeps struct {
	Devices   *devices.Adapter
	StartConf *startconf.Adapter
	Changelog *changelog.Store
	Images    *images.Store
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Version   string
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET  /health - Liveness probe
//   - GET  /ready - Readiness probe
//   - GET  /metrics - Prometheus metrics (when enabled)
//   - POST /api/v1/linbo/hosts:batch - Batch host lookup by MAC
//   - GET  /api/v1/linbo/host?mac= - Single host lookup
//   - POST /api/v1/linbo/startconfs:batch - Batch raw start.conf lookup
//   - GET  /api/v1/linbo/startconf?id= - Single raw start.conf lookup
//   - POST /api/v1/linbo/configs:batch - Batch parsed config lookup
//   - GET  /api/v1/linbo/changes?since= - Incremental change feed
//   - POST /api/v1/linbo/dhcp/reservations:batch - DHCP reservations
//   - GET  /api/v1/linbo/dhcp/export/dnsmasq-proxy - dnsmasq proxy config
//   - GET  /api/v1/linbo/dhcp/export/isc-dhcp - ISC dhcpd config
//   - GET  /api/v1/linbo/images/manifest - Image manifest
//   - GET  /api/v1/linbo/images/download/{name}/{filename} - Image download
//   - POST /api/v1/linbo/webhooks - Webhook registration
//
// Everything under /api/v1 requires a bearer token and passes the CIDR
// allowlist and per-token rate limiter.
func NewRouter(cfg *config.Config, deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(metricsRecorder(deps.Metrics))

	r.Use(apimiddleware.Auth(cfg.Auth.ResolveTokens(), cfg.Auth.ParseAllowlist(), cfg.Auth.TrustProxyHeaders))
	r.Use(apimiddleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, deps.Metrics).Middleware)

	healthHandler := handlers.NewHealthHandler(deps.Devices, deps.StartConf, deps.Version)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled && deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	hostsHandler := handlers.NewHostsHandler(deps.Devices)
	startConfsHandler := handlers.NewStartConfsHandler(deps.StartConf)
	deltaHandler := handlers.NewDeltaHandler(deps.Changelog)
	dhcpHandler := handlers.NewDHCPHandler(
		deps.Devices,
		dhcpexport.NewExporter(dhcpexport.NetworkSettings{
			ServerIP:      cfg.Network.ServerIP,
			Subnet:        cfg.Network.Subnet,
			Netmask:       cfg.Network.Netmask,
			Gateway:       cfg.Network.Gateway,
			DNS:           cfg.Network.DNS,
			Domain:        cfg.Network.Domain,
			DHCPInterface: cfg.Network.DHCPInterface,
		}),
		cfg.Network.ServerIP,
	)
	webhooksHandler := handlers.NewWebhooksHandler()

	r.Route("/api/v1/linbo", func(r chi.Router) {
		r.Post("/hosts:batch", hostsHandler.Batch)
		r.Get("/host", hostsHandler.Get)

		r.Post("/startconfs:batch", startConfsHandler.Batch)
		r.Get("/startconf", startConfsHandler.Get)
		r.Post("/configs:batch", startConfsHandler.BatchConfigs)

		r.Get("/changes", deltaHandler.Changes)

		r.Route("/dhcp", func(r chi.Router) {
			r.Post("/reservations:batch", dhcpHandler.BatchReservations)
			r.Get("/export/dnsmasq-proxy", dhcpHandler.ExportDnsmasq)
			r.Get("/export/isc-dhcp", dhcpHandler.ExportISC)
		})

		if deps.Images != nil {
			imagesHandler := handlers.NewImagesHandler(deps.Images)
			r.Get("/images/manifest", imagesHandler.Manifest)
			r.Get("/images/download/{name}/{filename}", imagesHandler.Download)
			r.Head("/images/download/{name}/{filename}", imagesHandler.Download)
		}

		r.Post("/webhooks", webhooksHandler.Register)
	})

	return r
}

// metricsRecorder records request count and latency per route pattern.
func metricsRecorder(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			m.RecordRequest(route, r.Method,
				strconv.Itoa(ww.Status()), time.Since(start).Seconds())
		})
	}
}

// isHealthPath returns true if the request path is a probe endpoint.
func isHealthPath(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

// requestLogger logs requests using the internal logger.
//
// Probe requests are logged at DEBUG to keep monitoring noise out of the
// logs.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		if isHealthPath(r.URL.Path) {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
