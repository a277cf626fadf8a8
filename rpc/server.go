package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/log"
	"github.com/eth2030/tokenrelay/metrics"
)

// MaxBatchSize is the maximum number of requests in a single batch.
const MaxBatchSize = 100

// DefaultMaxBodyBytes bounds a request body.
const DefaultMaxBodyBytes = 1 << 20

// Config configures the HTTP surface.
type Config struct {
	// JWTSecret is the HS256 key for operator tokens. Empty disables the
	// admin methods together with relay_postSettle and relay_pending.
	JWTSecret []byte
	// RateLimit is the per-client request rate; zero disables limiting.
	RateLimit float64
	Burst     int
	// CORSOrigins enables CORS for the listed origins ("*" for any).
	CORSOrigins  []string
	MaxBodyBytes int64
}

// Options are optional collaborators.
type Options struct {
	Logger  *log.Logger
	Metrics *metrics.Registry
}

// Server is a JSON-RPC HTTP server over a relay controller.
type Server struct {
	relay   Relay
	admin   Admin
	cfg     Config
	methods map[string]method
	limiter *clientLimiter
	log     *log.Logger
	metrics *metrics.Registry
	handler http.Handler
}

// NewServer creates a new JSON-RPC server.
func NewServer(r Relay, admin Admin, cfg Config, opts Options) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		relay:   r,
		admin:   admin,
		cfg:     cfg,
		log:     log.OrDefault(opts.Logger, "rpc"),
		metrics: opts.Metrics,
	}
	s.registerMethods()

	mw := []HTTPMiddleware{LoggingMiddleware(s.log)}
	if len(cfg.CORSOrigins) > 0 {
		cors := DefaultCORSConfig()
		cors.AllowedOrigins = cfg.CORSOrigins
		mw = append(mw, CORSMiddleware(cors))
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.Burst)
		mw = append(mw, s.limiter.Middleware)
	}
	s.handler = MiddlewareChain(http.HandlerFunc(s.handleRPC), mw...)
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, nil, ErrCodeParse, "failed to read request body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, nil, ErrCodeInvalidRequest, "request body too large")
		return
	}

	auth := s.authorizer(r)
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		s.handleBatch(r.Context(), w, body, auth)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, ErrCodeParse, "invalid JSON")
		return
	}
	resp := s.dispatch(r.Context(), &req, auth)
	if resp.Error != nil && resp.Error.Code == ErrCodeUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		writeJSONBody(w, resp)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte, auth func() error) {
	var reqs []Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		writeError(w, nil, ErrCodeParse, "invalid JSON")
		return
	}
	switch {
	case len(reqs) == 0:
		writeError(w, nil, ErrCodeInvalidRequest, "empty batch")
		return
	case len(reqs) > MaxBatchSize:
		writeError(w, nil, ErrCodeInvalidRequest, "batch exceeds maximum size of "+strconv.Itoa(MaxBatchSize))
		return
	}
	// Sequential on purpose: lifecycle calls in one batch may depend on
	// each other's effects.
	out := make([]*Response, len(reqs))
	for i := range reqs {
		out[i] = s.dispatch(ctx, &reqs[i], auth)
	}
	writeJSON(w, out)
}

// dispatch runs one request. auth is evaluated only for methods that
// require the operator token.
func (s *Server) dispatch(ctx context.Context, req *Request, auth func() error) *Response {
	start := time.Now()
	resp := s.call(ctx, req, auth)
	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	if s.metrics != nil {
		s.metrics.RPCRequests.WithLabelValues(metricMethod(req.Method, s.methods), strconv.Itoa(code)).Inc()
	}
	s.log.Debug("rpc call", "method", req.Method, "code", code, "elapsed", time.Since(start))
	return resp
}

func (s *Server) call(ctx context.Context, req *Request, auth func() error) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, ErrCodeInvalidRequest, "invalid JSON-RPC 2.0 request")
	}
	m, ok := s.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
	if m.auth {
		if err := auth(); err != nil {
			s.log.Warn("operator call refused", "method", req.Method, "err", err)
			return errorResponse(req.ID, ErrCodeUnauthorized, err.Error())
		}
	}
	result, err := m.fn(ctx, req.Params)
	if err != nil {
		code := errorCode(err)
		if code == ErrCodeInternal || code == ErrCodeExternal {
			s.log.Warn("rpc call failed", "method", req.Method, "err", err)
		}
		return errorResponse(req.ID, code, err.Error())
	}
	return successResponse(req.ID, result)
}

// errorCode maps an error to its JSON-RPC code by failure class.
func errorCode(err error) int {
	switch {
	case errors.Is(err, errParams):
		return ErrCodeInvalidParams
	case errors.Is(err, errNotConfigured):
		return ErrCodeMethodNotFound
	}
	switch fault.ClassOf(err) {
	case fault.ErrRejected:
		return ErrCodeRejected
	case fault.ErrInvariant:
		return ErrCodeInvariant
	case fault.ErrExternal:
		return ErrCodeExternal
	}
	return ErrCodeInternal
}

// metricMethod keeps unknown method names out of metric labels.
func metricMethod(name string, known map[string]method) string {
	if _, ok := known[name]; ok {
		return name
	}
	return "unknown"
}

// authorizer returns a memoised operator check for the HTTP request.
func (s *Server) authorizer(r *http.Request) func() error {
	var (
		done bool
		err  error
	)
	return func() error {
		if !done {
			err = s.authorize(r.Header.Get("Authorization"))
			done = true
		}
		return err
	}
}

func (s *Server) authorize(header string) error {
	if len(s.cfg.JWTSecret) == 0 {
		return errNotConfiguredAuth
	}
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		return errUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return s.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !token.Valid {
		return errUnauthorized
	}
	return nil
}

var errNotConfiguredAuth = errors.New("rpc: operator API disabled")

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(w, v)
}

func writeJSONBody(w http.ResponseWriter, v interface{}) {
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, errorResponse(id, code, message))
}

func successResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
}
