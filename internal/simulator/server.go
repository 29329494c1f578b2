package simulator

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

type ServerConfig struct {
	// Token enables bearer authentication when set.
	Token string
	// Username and Password enable basic authentication when set.
	Username        string
	Password        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Interceptor runs before routing; a non-nil Fault short-circuits the
	// request.
	Interceptor func(r *http.Request) *Fault
}

// Fault is an injected failure response.
type Fault struct {
	Status     int
	RetryAfter time.Duration
	Message    string
}

type Server struct {
	store       *Store
	cfg         ServerConfig
	rateLimiter *rateLimiter

	countsMu sync.Mutex
	counts   map[string]int
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		counts:      map[string]int{},
	}
}

func (s *Server) Store() *Store {
	return s.store
}

// Requests reports how many requests reached route, where route is
// "METHOD endpoint" (for example "GET categoryCombos/search").
func (s *Server) Requests(route string) int {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	return s.counts[route]
}

func (s *Server) count(route string) {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	s.counts[route]++
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := getCorrelationID(r)
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	if s.cfg.Interceptor != nil {
		if fault := s.cfg.Interceptor(r); fault != nil {
			if fault.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(fault.RetryAfter.Seconds()))))
			}
			message := fault.Message
			if message == "" {
				message = http.StatusText(fault.Status)
			}
			writeError(w, fault.Status, "injected_fault", message, correlationID)
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	endpoint := parts[1]
	switch {
	case endpoint == "dataStore" && len(parts) == 4:
		s.handleDataStore(w, r, parts[2], parts[3], correlationID)
	case endpoint == metadata.OrganisationUnitsEndpoint && len(parts) == 3 && r.Method == http.MethodGet:
		s.count("GET organisationUnits/item")
		s.handleOrganisationUnit(w, parts[2], correlationID)
	default:
		rt, ok := metadata.TypeForEndpoint(endpoint)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
			return
		}
		switch {
		case len(parts) == 2 && r.Method == http.MethodGet:
			s.count("GET " + endpoint + "/search")
			s.handleSearch(w, r, rt, correlationID)
		case len(parts) == 2 && r.Method == http.MethodPost:
			s.count("POST " + endpoint)
			s.handleCreate(w, r, rt, correlationID)
		case len(parts) == 3 && r.Method == http.MethodGet:
			s.count("GET " + endpoint + "/item")
			s.handleGet(w, rt, parts[2], correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, rt metadata.ResourceType, correlationID string) {
	filter := r.URL.Query().Get("filter")
	parts := strings.SplitN(filter, ":", 3)
	if len(parts) != 3 || parts[1] != "eq" || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "filter must be field:eq:value", correlationID)
		return
	}
	objects := s.store.Search(rt, parts[0], parts[2])
	if objects == nil {
		objects = []metadata.Object{}
	}
	writeJSON(w, http.StatusOK, map[string]any{rt.Endpoint(): objects})
}

func (s *Server) handleGet(w http.ResponseWriter, rt metadata.ResourceType, id, correlationID string) {
	obj, ok := s.store.Get(rt, id)
	if !ok {
		writeError(w, http.StatusNotFound, "E1005", "object not found: "+id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, rt metadata.ResourceType, correlationID string) {
	var obj metadata.Object
	if !s.decodeJSONBody(w, r, correlationID, &obj) {
		return
	}
	id, err := s.store.Create(rt, obj)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"httpStatus":     "Created",
		"httpStatusCode": http.StatusCreated,
		"status":         "OK",
		"response":       map[string]any{"uid": id},
	})
}

func (s *Server) handleOrganisationUnit(w http.ResponseWriter, id, correlationID string) {
	obj, ok := s.store.OrganisationUnit(id)
	if !ok {
		writeError(w, http.StatusNotFound, "E1005", "organisation unit not found: "+id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleDataStore(w http.ResponseWriter, r *http.Request, namespace, key, correlationID string) {
	s.count(r.Method + " dataStore")
	switch r.Method {
	case http.MethodGet:
		value, ok := s.store.DataStoreGet(namespace, key)
		if !ok {
			writeError(w, http.StatusNotFound, "E1005", "key not found", correlationID)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(value)
	case http.MethodPost, http.MethodPut:
		body, ok := s.readRequestBody(w, r, correlationID)
		if !ok {
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
		if err := s.store.DataStorePut(namespace, key, body, r.Method == http.MethodPost); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]string{"status": "OK"})
	case http.MethodDelete:
		if !s.store.DataStoreDelete(namespace, key) {
			writeError(w, http.StatusNotFound, "E1005", "key not found", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

type authError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *authError {
	switch {
	case s.cfg.Username != "":
		username, password, ok := r.BasicAuth()
		if !ok || username != s.cfg.Username || password != s.cfg.Password {
			return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid credentials"}
		}
	case s.cfg.Token != "":
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
		}
	}
	return nil
}

func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var storeErr *storeError
	if errors.As(err, &storeErr) {
		writeError(w, storeErr.status, storeErr.code, storeErr.message, correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"httpStatusCode": status,
		"code":           code,
		"message":        message,
		"correlationId":  correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
