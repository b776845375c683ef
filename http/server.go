package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	br "gitlab.com/secure-storage/blobrelocator"
)

// Generic HTTP metrics.
var (
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobrelocator_http_request_count",
		Help: "Total number of requests by route",
	}, []string{"method", "path"})

	requestSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobrelocator_http_request_seconds",
		Help: "Total amount of request time by route, in seconds",
	}, []string{"method", "path"})
)

// DefaultShutdownTimeout is how long Close lets connections drain after the
// last running delivery has finished.
const DefaultShutdownTimeout = 1 * time.Second

// Server is the webhook endpoint Event Grid delivers scan results to. It owns
// the listener so that cmd/blobrelocatord never imports "net/http" itself.
type Server struct {
	ln       net.Listener
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	feed     *relocationFeed

	// Deliveries in progress. Once closing is set no new delivery starts.
	mu         sync.Mutex
	closing    bool
	deliveries sync.WaitGroup

	// Listener address. With Domain set, TLS certificates come from
	// acme/autocert and Addr is ignored.
	Addr   string
	Domain string

	// Shared key Event Grid must present. Empty disables the check.
	WebhookKey string

	// Time Close lets connections drain once no delivery is running.
	ShutdownTimeout time.Duration

	Logger *zap.Logger

	// Services used by the various HTTP routes.
	Dispatcher br.EventDispatcher
}

// NewServer returns a new instance of Server.
func NewServer(logger *zap.Logger) *Server {
	s := &Server{
		server: &http.Server{ReadHeaderTimeout: 10 * time.Second},
		router: mux.NewRouter(),
		feed:   newRelocationFeed(),
		Logger: logger,

		ShutdownTimeout: DefaultShutdownTimeout,
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }

	s.router.Use(reportPanic)

	// Access log through zap, honoring X-Forwarded-* from the ingress proxy.
	accessLog := zap.NewStdLog(logger.Named("access")).Writer()
	s.server.Handler = handlers.CombinedLoggingHandler(accessLog, handlers.ProxyHeaders(s.router))

	// The relocation feed is a long lived WebSocket and is not timed.
	s.router.HandleFunc("/ws/relocations", s.handleRelocationFeed).Methods("GET")

	// Setup a base router that tracks request metrics.
	router := s.router.PathPrefix("/").Subrouter()
	router.Use(trackMetrics)

	router.HandleFunc("/api/events", s.handleEvents).Methods("POST")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/version", s.handleVersion).Methods("GET")

	return s
}

// UseTLS reports whether the listener is served through acme/autocert.
func (s *Server) UseTLS() bool {
	return s.Domain != ""
}

// URL returns the base URL the webhook should be registered with. The port is
// omitted when it is the default one for the scheme.
func (s *Server) URL() string {
	scheme, defaultPort, host := "http", 80, "localhost"
	if s.UseTLS() {
		scheme, defaultPort, host = "https", 443, s.Domain
	}

	var port int
	if s.ln != nil {
		if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	if port == 0 || port == defaultPort {
		return scheme + "://" + host
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

// Open checks that a dispatcher is wired, binds the listener and serves in the
// background. Binding happens here so that a busy port fails synchronously.
func (s *Server) Open() (err error) {
	if s.Dispatcher == nil {
		return fmt.Errorf("event dispatcher required")
	}

	if s.UseTLS() {
		s.ln = autocert.NewListener(s.Domain)
	} else if s.ln, err = net.Listen("tcp", s.Addr); err != nil {
		return err
	}

	go s.server.Serve(s.ln)
	return nil
}

// Close stops accepting deliveries and disconnects feed subscribers. It
// returns only once every running delivery has finished, with no deadline, so
// no relocation is cut short while it holds a lease on its source.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.feed.close()

	// The drain deadline starts once the last delivery has finished, so its
	// response still gets flushed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		s.deliveries.Wait()
		select {
		case <-time.After(s.ShutdownTimeout):
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.server.Shutdown(ctx)
	s.deliveries.Wait()
	if errors.Is(err, context.Canceled) {
		return s.server.Close()
	}
	return err
}

// beginDelivery registers a delivery unless the server is closing.
func (s *Server) beginDelivery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.deliveries.Add(1)
	return true
}

// ServeHTTP lets tests drive the full handler chain without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// trackMetrics counts requests and their time per route template.
func trackMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := mux.CurrentRoute(r)
		if route == nil {
			return
		}
		if tmpl, err := route.GetPathTemplate(); err == nil {
			requestCount.WithLabelValues(r.Method, tmpl).Inc()
			requestSeconds.WithLabelValues(r.Method, tmpl).Add(time.Since(start).Seconds())
		}
	})
}

// reportPanic answers 500 and forwards the recovered value to ReportPanic.
func reportPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				br.ReportPanic(v)
				WriteJSONResponse(w, &ErrorResponse{Error: "Internal error", Code: br.EINTERNAL}, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles the "GET /healthz" route.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// handleVersion displays the deployed version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSONResponse(w, map[string]string{"version": br.Version, "commit": br.Commit}, http.StatusOK)
}

// ListenAndServeTLSRedirect answers plain HTTP on port 80 with a redirect to
// the TLS listener of domain.
func ListenAndServeTLSRedirect(domain string) error {
	return http.ListenAndServe(":80", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain, http.StatusFound)
	}))
}

// ListenAndServeDebug runs an HTTP server with /metrics on addr.
func ListenAndServeDebug(addr string) error {
	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, h)
}
