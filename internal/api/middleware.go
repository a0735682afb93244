package api

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/package-audit/pkgaudit/pkg/uuidutil"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

const (
	requestIDKey    = "pkgaudit_request_id"
	requestIDHeader = "X-Request-ID"
)

// limiterRegistry keeps one token bucket per client key.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterRegistry(perMinute, burst int) *limiterRegistry {
	if burst <= 0 {
		burst = 1
	}
	return &limiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
	}
}

func (r *limiterRegistry) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}

// rateLimit rejects clients that exceed their bucket with 429. A
// non-positive perMinute disables limiting.
func rateLimit(perMinute, burst int, reg *metrics.Registry) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiters := newLimiterRegistry(perMinute, burst)
	return func(c *gin.Context) {
		l := limiters.get(c.ClientIP())
		if !l.Allow() {
			reg.RecordRateLimited()
			retry := math.Ceil(60 / float64(perMinute))
			c.Header("Retry-After", strconv.Itoa(int(retry)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "E_RATE_LIMITED",
				Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}

// requestLogger tags each request with an id and logs it once finished.
func requestLogger(log *logging.Logger, reg *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if !requestIDPattern.MatchString(id) {
			id = uuidutil.NewV4()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		reg.RecordHTTPRequest(route, strconv.Itoa(status))
		log.Info("http request", map[string]any{
			"request_id":  id,
			"method":      c.Request.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"client":      c.ClientIP(),
		})
	}
}
