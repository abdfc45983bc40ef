package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/cache"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/token"
)

const (
	mediaCacheControl   = "public, max-age=31536000, immutable"
	defaultCacheControl = "public, max-age=300"
	retryAfterSeconds   = "5"
)

// DefaultExtensions is the allowlist applied when none is configured:
// course video, image, audio, and caption/document types.
var DefaultExtensions = []string{
	".mp4", ".webm", ".mov", ".m4v",
	".mp3", ".wav", ".m4a",
	".jpg", ".jpeg", ".png", ".webp", ".gif",
	".vtt", ".srt", ".pdf",
}

type Config struct {
	OriginBaseURL     string
	OriginTimeout     time.Duration
	RequireToken      bool
	RequireIPBound    bool
	AllowedExtensions []string
	MaxObjectBytes    int64
	MediaTTL          time.Duration
	DefaultTTL        time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
}

// Server fronts the object-storage origin: it authorizes signed URLs,
// shields the origin with a response cache, and streams media with range
// support. One handler serves every content path.
type Server struct {
	cfg     Config
	signer  *token.Signer
	cache   cache.Cache
	limiter *ipLimiter
	client  *http.Client
	allowed map[string]struct{}
	logger  *zap.Logger
}

func NewServer(cfg Config, signer *token.Signer, c cache.Cache, logger *zap.Logger) *Server {
	if cfg.OriginTimeout <= 0 {
		cfg.OriginTimeout = 30 * time.Second
	}
	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = 64 << 20
	}
	if cfg.MediaTTL <= 0 {
		cfg.MediaTTL = 6 * time.Hour
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}

	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[e] = struct{}{}
	}

	return &Server{
		cfg:     cfg,
		signer:  signer,
		cache:   c,
		limiter: newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		client:  &http.Client{Timeout: cfg.OriginTimeout},
		allowed: allowed,
		logger:  logger,
	}
}

// StartJanitor begins the rate limiter sweep loop.
func (s *Server) StartJanitor(ctx context.Context) {
	go s.limiter.runJanitor(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		s.serve(rec, r)

		disposition := strings.ToLower(rec.Header().Get("X-Cache"))
		if disposition == "" {
			disposition = "none"
		}
		metrics.GatewayRequestsTotal.WithLabelValues(strconv.Itoa(rec.status), disposition).Inc()
		s.logger.Debug("gateway request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("cache", disposition),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The net/http server hands us the decoded path; all checks and the
	// signature canon run on the decoded form.
	decodedPath := r.URL.Path

	if decodedPath == "" || decodedPath == "/" || strings.HasSuffix(decodedPath, "/") ||
		path.Base(decodedPath) == "index.html" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if hasTraversal(decodedPath) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	ext := strings.ToLower(path.Ext(decodedPath))
	if _, ok := s.allowed[ext]; !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ip := clientAddr(r)
	if !s.limiter.allow(ip) {
		metrics.RateLimitedTotal.Inc()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	if s.cfg.RequireToken {
		tok := requestToken(r)
		if tok == "" {
			metrics.TokenRejectionsTotal.WithLabelValues("missing").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if s.cfg.RequireIPBound && !token.Bound(tok) {
			metrics.TokenRejectionsTotal.WithLabelValues("unbound").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := s.signer.Validate(tok, decodedPath, ip); err != nil {
			metrics.TokenRejectionsTotal.WithLabelValues(tokenReason(err)).Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	key, strippedQuery := cacheKey(decodedPath, r.URL.Query())
	if entry, ok := s.cache.Get(r.Context(), key); ok {
		s.serveHit(w, r, decodedPath, entry)
		return
	}
	s.serveMiss(w, r, decodedPath, key, strippedQuery)
}

func (s *Server) serveHit(w http.ResponseWriter, r *http.Request, decodedPath string, entry *cache.Entry) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("Cache-Control", s.cacheControl(entry.ContentType))

	// ServeContent slices 206 responses out of the full cached body.
	http.ServeContent(w, r, path.Base(decodedPath), entry.FetchedAt, bytes.NewReader(entry.Body))
}

func (s *Server) serveMiss(w http.ResponseWriter, r *http.Request, decodedPath, key string, query url.Values) {
	originURL := strings.TrimRight(s.cfg.OriginBaseURL, "/") + token.CanonicalPath(decodedPath)
	if len(query) > 0 {
		originURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, nil)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	fetchStart := time.Now()
	resp, err := s.client.Do(req)
	metrics.OriginFetchDuration.Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		s.logger.Error("origin fetch failed", zap.String("path", decodedPath), zap.Error(err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, "origin unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		w.Header().Set("X-Cache", "MISS")
		w.WriteHeader(http.StatusNotFound)
		return
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		s.logger.Warn("origin returned error",
			zap.String("path", decodedPath),
			zap.Int("status", resp.StatusCode),
		)
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, "origin unavailable", http.StatusServiceUnavailable)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(decodedPath))
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", s.cacheControl(contentType))
	for _, h := range []string{"Content-Length", "Content-Range", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}

	// Only full 200 bodies are cache candidates; a 206 slice would poison
	// later range math.
	capture := resp.StatusCode == http.StatusOK &&
		(resp.ContentLength < 0 || resp.ContentLength <= s.cfg.MaxObjectBytes)
	body := &captureReader{r: resp.Body, limit: s.cfg.MaxObjectBytes, capture: capture}
	if _, err := io.Copy(w, body); err != nil {
		// Client went away mid-stream; nothing cacheable survived.
		return
	}

	if capture && !body.overflow {
		entry := &cache.Entry{
			Body:        body.buf.Bytes(),
			ContentType: contentType,
			FetchedAt:   time.Now().UTC(),
		}
		ttl := s.cacheTTL(contentType)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.cache.Set(ctx, key, entry, ttl)
		}()
	}
}

func (s *Server) cacheControl(contentType string) string {
	if isMediaType(contentType) {
		return mediaCacheControl
	}
	return defaultCacheControl
}

func (s *Server) cacheTTL(contentType string) time.Duration {
	if isMediaType(contentType) {
		return s.cfg.MediaTTL
	}
	return s.cfg.DefaultTTL
}

// captureReader tees the origin body into a buffer until the cache size cap
// is crossed, then keeps streaming without buffering.
type captureReader struct {
	r        io.Reader
	buf      bytes.Buffer
	limit    int64
	capture  bool
	overflow bool
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.capture && !c.overflow {
		if int64(c.buf.Len()+n) > c.limit {
			c.overflow = true
			c.buf.Reset()
		} else {
			c.buf.Write(p[:n])
		}
	}
	return n, err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Range")
	h.Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, X-Cache")
}

// hasTraversal reports whether any decoded path segment is "..".
func hasTraversal(decodedPath string) bool {
	for _, seg := range strings.Split(decodedPath, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// cacheKey normalizes request identity: canonical escaped path plus the
// query string minus auth parameters, sorted. Two requests for the same
// object with different tokens share one entry. The stripped query is also
// what gets forwarded to origin.
func cacheKey(decodedPath string, q url.Values) (string, url.Values) {
	q.Del("token")
	q.Del("ts")
	q.Del("timestamp")

	canon := token.CanonicalPath(decodedPath)
	if len(q) == 0 {
		return canon, q
	}
	return canon + "?" + q.Encode(), q
}

func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func tokenReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrIPMismatch):
		return "ip_mismatch"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	default:
		return "malformed"
	}
}

func isMediaType(contentType string) bool {
	return strings.HasPrefix(contentType, "video/") ||
		strings.HasPrefix(contentType, "image/") ||
		strings.HasPrefix(contentType, "audio/")
}
