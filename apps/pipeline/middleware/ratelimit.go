// Package middleware carries HTTP middleware for the pipeline's
// submission surface.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/time/rate"
)

const (
	// sweepEvery bounds how often idle buckets are swept. Sweeps run
	// inline on submission traffic, there is no background goroutine
	// to manage.
	sweepEvery    = 3 * time.Minute
	idleEviction  = 15 * time.Minute
	apiKeyHeader  = "X-Api-Key" //nolint:gosec // header name, not a credential
	forwardedHdr  = "X-Forwarded-For"
	minRetryAfter = 1
)

// SubmissionLimiter throttles build submissions per client. Build jobs
// hold a sandbox worker for minutes, so admission refills per second
// and the burst stays small.
type SubmissionLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*submitterBucket
	perSecond rate.Limit
	burst     int
	lastSweep time.Time
}

type submitterBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSubmissionLimiter creates a limiter admitting perSecond
// submissions with the given burst per client.
func NewSubmissionLimiter(perSecond float64, burst int) *SubmissionLimiter {
	return &SubmissionLimiter{
		buckets:   make(map[string]*submitterBucket),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Admit decides whether a submission from the given client proceeds.
// On rejection it also reports how many seconds the client should wait
// before resubmitting.
func (sl *SubmissionLimiter) Admit(clientKey string) (bool, int) {
	now := time.Now()

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if now.Sub(sl.lastSweep) >= sweepEvery {
		sl.sweep(now)
	}

	bucket, ok := sl.buckets[clientKey]
	if !ok {
		bucket = &submitterBucket{limiter: rate.NewLimiter(sl.perSecond, sl.burst)}
		sl.buckets[clientKey] = bucket
	}
	bucket.lastSeen = now

	if bucket.limiter.Allow() {
		return true, 0
	}

	reservation := bucket.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	retryAfter := int(delay.Seconds()) + 1
	if retryAfter < minRetryAfter {
		retryAfter = minRetryAfter
	}
	return false, retryAfter
}

// sweep drops buckets idle past the eviction window. Caller holds the
// lock.
func (sl *SubmissionLimiter) sweep(now time.Time) {
	sl.lastSweep = now
	cutoff := now.Add(-idleEviction)
	for key, bucket := range sl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(sl.buckets, key)
		}
	}
}

// submitterKey identifies who is submitting. An API key names the
// tenant directly; otherwise the originating IP has to do, taking the
// first hop of a proxy chain when one is present.
func submitterKey(r *http.Request) string {
	if apiKey := r.Header.Get(apiKeyHeader); apiKey != "" {
		return "apikey:" + apiKey
	}

	if xff := r.Header.Get(forwardedHdr); xff != "" {
		origin := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(origin); err == nil {
			return "ip:" + host
		}
		return "ip:" + origin
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware applies the submission limit ahead of the wrapped handler.
func (sl *SubmissionLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := submitterKey(r)

		admitted, retryAfter := sl.Admit(key)
		if admitted {
			next.ServeHTTP(w, r)
			return
		}

		util.Log(r.Context()).Warn("submission rate limit exceeded",
			"client_id", key,
			"path", r.URL.Path,
			"retry_after", retryAfter,
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":       "rate_limit_exceeded",
			"message":     "Too many build submissions. Please retry after " + strconv.Itoa(retryAfter) + " seconds.",
			"retry_after": retryAfter,
		})
	})
}
