package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"kassenbuch/internal/cache"
	"kassenbuch/internal/core"
	"kassenbuch/internal/log"
	"kassenbuch/internal/services"
)

// Server wires the JSON API on top of the orchestration services.
type Server struct {
	http.Server

	importSvc  *services.ImportService
	budgetSvc  *services.BudgetService
	inquirySvc *services.InquiryService

	rateLimiter *rateLimiter

	// Read-side caches; mutations invalidate them.
	totalsCache  *cache.LRUCache[map[string]core.CategoryTotals]
	missingCache *cache.LRUCache[[]core.Transaction]
	cacheManager *cache.Manager

	uploadMaxBytes int64
	importSheet    string

	shutdownOnce sync.Once
}

// Simple in-memory rate limiter, applied to mutating requests.
type rateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientInfo
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientInfo struct {
	lastRequest time.Time
	requests    int
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		clients:     make(map[string]*clientInfo),
		stopCleanup: make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

func (rl *rateLimiter) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanupStaleEntries removes client entries older than 10 minutes.
func (rl *rateLimiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, client := range rl.clients {
		if client.lastRequest.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		if rl.stopCleanup != nil {
			close(rl.stopCleanup)
		}
	})
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]

	if !exists {
		rl.clients[clientIP] = &clientInfo{
			lastRequest: now,
			requests:    1,
		}
		return true
	}

	// Reset counter if more than 1 minute has passed
	if now.Sub(client.lastRequest) > time.Minute {
		client.requests = 1
		client.lastRequest = now
		return true
	}

	// Allow up to 60 requests per minute
	client.requests++
	client.lastRequest = now

	return client.requests <= 60
}

// NewServer configures routes and caches, returning a ready-to-run server.
func NewServer(addr string, importSvc *services.ImportService, budgetSvc *services.BudgetService, inquirySvc *services.InquiryService, uploadMaxBytes int64, importSheet string) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		importSvc:      importSvc,
		budgetSvc:      budgetSvc,
		inquirySvc:     inquirySvc,
		rateLimiter:    newRateLimiter(),
		totalsCache:    cache.NewLRUCache[map[string]core.CategoryTotals](100, 5*time.Minute),
		missingCache:   cache.NewLRUCache[[]core.Transaction](10, 5*time.Minute),
		cacheManager:   cache.NewManager(),
		uploadMaxBytes: uploadMaxBytes,
		importSheet:    importSheet,
	}

	s.cacheManager.Register(s.totalsCache)
	s.cacheManager.Register(s.missingCache)
	s.cacheManager.StartCleanup(10 * time.Minute)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /import", s.withSecurityHeaders(s.handleImport))

	mux.HandleFunc("GET /totals", s.withSecurityHeaders(s.handleTotals))
	mux.HandleFunc("GET /missing-entries", s.withSecurityHeaders(s.handleMissingEntries))
	mux.HandleFunc("GET /special-summary", s.withSecurityHeaders(s.handleSpecialSummary))
	mux.HandleFunc("GET /discrepancies", s.withSecurityHeaders(s.handleDiscrepancies))

	mux.HandleFunc("GET /categories", s.withSecurityHeaders(s.handleListCategories))
	mux.HandleFunc("POST /categories", s.withSecurityHeaders(s.handleSaveCategory))
	mux.HandleFunc("DELETE /categories/{id}", s.withSecurityHeaders(s.handleDeleteCategory))

	mux.HandleFunc("GET /inquiries", s.withSecurityHeaders(s.handleListInquiries))
	mux.HandleFunc("POST /inquiries", s.withSecurityHeaders(s.handleRaiseInquiry))
	mux.HandleFunc("POST /inquiries/{id}/resolve", s.withSecurityHeaders(s.handleResolveInquiry))
	mux.HandleFunc("POST /inquiries/{id}/reject", s.withSecurityHeaders(s.handleRejectInquiry))

	mux.HandleFunc("POST /transactions/{id}/assign-category", s.withSecurityHeaders(s.handleAssignCategory))
	mux.HandleFunc("POST /transactions/{id}/mark-paid", s.withSecurityHeaders(s.handleMarkPaid))
	mux.HandleFunc("GET /transactions/{id}/history", s.withSecurityHeaders(s.handleHistory))

	return s
}

// Shutdown stops the cache and rate limiter goroutines before closing the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.cacheManager != nil {
			s.cacheManager.Stop()
		}
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// invalidateReadCaches drops cached aggregates after any mutation.
func (s *Server) invalidateReadCaches(years ...string) {
	for _, year := range years {
		s.totalsCache.Delete("year:" + year)
	}
	s.totalsCache.Delete("all")
	s.missingCache.Delete("all")
}

// withSecurityHeaders adds security headers, rate limiting, and request
// logging to a handler.
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Extract client IP (considering proxies)
		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			log.FieldRequestID, requestID,
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldClientIP, clientIP)

		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded",
				log.FieldClientIP, clientIP,
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		duration := time.Since(start)
		slog.InfoContext(ctx, "Request completed",
			log.FieldRequestID, requestID,
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldStatusCode, rw.statusCode,
			log.FieldDuration, duration.Milliseconds(),
			log.FieldClientIP, clientIP)
	}
}

type requestIDKey struct{}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing.
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}
