// Package rpc exposes the protocol operations over HTTP. Routes follow the
// gateway conventions: JSON bodies, decimal-string amounts, and one endpoint
// per operation.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/arcadexyz/arcade-protocol-sub003/node"
	"github.com/arcadexyz/arcade-protocol-sub003/observability"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server serves the protocol API over HTTP.
type Server struct {
	node *node.Node
	log  *slog.Logger

	limitPerSec float64
	limitBurst  int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter

	http *http.Server
}

// NewServer builds the HTTP server around the node.
func NewServer(n *node.Node, addr string, limitPerSec float64, limitBurst int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:        n,
		log:         logger.With("component", "rpc"),
		limitPerSec: limitPerSec,
		limitBurst:  limitBurst,
		visitors:    make(map[string]*rate.Limiter),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until the listener fails or Shutdown
// runs.
func (s *Server) ListenAndServe() error {
	s.log.Info("rpc listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.rateLimit)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/loans", func(r chi.Router) {
			r.Post("/initialize", s.handleInitialize)
			r.Post("/migrate", s.handleMigrate)
			r.Get("/{id}", s.handleGetLoan)
			r.Get("/{id}/interest", s.handleGetInterest)
			r.Get("/{id}/notes/{kind}", s.handleGetNoteOwner)
			r.Post("/{id}/repay", s.handleRepay)
			r.Post("/{id}/force-repay", s.handleForceRepay)
			r.Post("/{id}/redeem", s.handleRedeem)
			r.Post("/{id}/claim", s.handleClaim)
			r.Post("/{id}/rollover", s.handleRollover)
			r.Post("/{id}/rollover/currency", s.handleRolloverCurrency)
		})
		r.Post("/notes/transfer", s.handleNoteTransfer)
		r.Post("/nonces/cancel", s.handleNonceCancel)
		r.Get("/nonces/{signer}/{nonce}", s.handleGetNonce)
		r.Post("/approvals", s.handleApprove)
		r.Delete("/approvals", s.handleRevokeApproval)
		r.Get("/balances/{currency}/{address}", s.handleGetBalance)
		r.Get("/fees/{currency}", s.handleGetFeePool)
		s.mountAdmin(r)
	})
	return r
}

// requestID tags every request with a correlation ID, honoring one supplied
// by the caller.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limitPerSec > 0 {
			if !s.obtainLimiter(clientID(r)).Allow() {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) obtainLimiter(id string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limiter, ok := s.visitors[id]; ok {
		return limiter
	}
	burst := s.limitBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(s.limitPerSec), burst)
	s.visitors[id] = limiter
	return limiter
}

func clientID(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit+1))
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	if len(body) > requestBodyLimit {
		return errors.New("request body exceeds limit")
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// observe finishes an operation: it records metrics, logs failures, and
// writes either the success payload or the mapped error.
func (s *Server) observe(w http.ResponseWriter, r *http.Request, operation string, started time.Time, err error, status int, payload any) {
	observability.RPC().Observe(operation, err, time.Since(started))
	if err != nil {
		code := statusFor(err)
		s.log.Warn("operation failed",
			"operation", operation,
			"request_id", requestIDFrom(r.Context()),
			"status", code,
			"error", err.Error(),
		)
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, status, payload)
}
