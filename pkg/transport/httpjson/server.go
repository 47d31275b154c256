package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	"github.com/amirimatin/go-multipaxos/pkg/observability/tracing"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

// maxEnvelope bounds the body of a single /deliver call.
const maxEnvelope = 4 << 20

// Server exposes one process over HTTP: POST /deliver carries protocol
// envelopes, the remaining endpoints are for clients and tooling.
type Server struct {
	bind   string
	logger *log.Logger
	tlsCfg *tls.Config

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":7000").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the mux for h. It is exported for tests using httptest.
func Handler(h transport.Handlers, logger *log.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/deliver", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelope))
		if err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		var env paxos.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			logutil.Debugf(logger, "httpjson: rejecting envelope from %s: %v", r.RemoteAddr, err)
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		if err := h.Deliver(r.Context(), env); err != nil {
			if errors.Is(err, transport.ErrUnknownActor) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Submit == nil {
			http.Error(w, "submit not supported", http.StatusNotImplemented)
			return
		}
		var req transport.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Op == "" {
			if err == nil {
				err = errors.New("empty op")
			}
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.submit")
		defer end()
		resp, err := h.Submit(ctx, req)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			if resp.Error == "" {
				resp.Error = err.Error()
			}
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Status == nil {
			http.Error(w, "status not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()
		data, err := h.Status(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/log", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Log == nil {
			http.Error(w, "log not supported", http.StatusNotImplemented)
			return
		}
		req, err := parseLogQuery(r)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		resp, err := h.Log(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			if resp.Error == "" {
				resp.Error = err.Error()
			}
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func parseLogQuery(r *http.Request) (transport.LogRequest, error) {
	var req transport.LogRequest
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("from: %w", err)
		}
		req.From = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, fmt.Errorf("limit: invalid %q", v)
		}
		req.Limit = n
	}
	return req, nil
}

// Start launches the HTTP server. The server is shut down when the context
// is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	if h.Deliver == nil {
		return errors.New("httpjson: deliver handler is required")
	}
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(h, s.logger), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "httpjson: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listener address once started, else the bind address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.Server = (*Server)(nil)
