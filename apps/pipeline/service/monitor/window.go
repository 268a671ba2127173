package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

// DeploymentWindow tracks deployment outcomes over a rolling time span
// and feeds the stability check's success rate.
type DeploymentWindow interface {
	// Record registers one deployment outcome.
	Record(ctx context.Context, success bool) error

	// SuccessRate returns the success rate over the window. An empty
	// window counts as fully successful.
	SuccessRate(ctx context.Context) (float64, error)
}

// InMemoryDeploymentWindow is a single-node rolling window.
type InMemoryDeploymentWindow struct {
	span time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries []windowEntry
}

type windowEntry struct {
	at      time.Time
	success bool
}

// NewInMemoryDeploymentWindow creates a window over the given span.
func NewInMemoryDeploymentWindow(span time.Duration) *InMemoryDeploymentWindow {
	if span <= 0 {
		span = time.Hour
	}
	return &InMemoryDeploymentWindow{
		span: span,
		now:  time.Now,
	}
}

// Record registers one deployment outcome.
func (w *InMemoryDeploymentWindow) Record(_ context.Context, success bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trimLocked()
	w.entries = append(w.entries, windowEntry{at: w.now(), success: success})
	return nil
}

// SuccessRate returns the success rate over the window.
func (w *InMemoryDeploymentWindow) SuccessRate(_ context.Context) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trimLocked()
	if len(w.entries) == 0 {
		return 1.0, nil
	}

	successes := 0
	for _, entry := range w.entries {
		if entry.success {
			successes++
		}
	}
	return float64(successes) / float64(len(w.entries)), nil
}

func (w *InMemoryDeploymentWindow) trimLocked() {
	cutoff := w.now().Add(-w.span)
	kept := w.entries[:0]
	for _, entry := range w.entries {
		if entry.at.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	w.entries = kept
}

// RedisDeploymentWindow is a Redis sorted-set backed rolling window
// shared by all pipeline workers. Scores are unix nanos; members carry
// the outcome.
type RedisDeploymentWindow struct {
	client *redis.Client
	key    string
	span   time.Duration
}

// NewRedisDeploymentWindow creates a shared window over the given span.
func NewRedisDeploymentWindow(client *redis.Client, key string, span time.Duration) *RedisDeploymentWindow {
	if key == "" {
		key = "deploy:window"
	}
	if span <= 0 {
		span = time.Hour
	}
	return &RedisDeploymentWindow{
		client: client,
		key:    key,
		span:   span,
	}
}

// Record registers one deployment outcome.
func (w *RedisDeploymentWindow) Record(ctx context.Context, success bool) error {
	outcome := "fail"
	if success {
		outcome = "ok"
	}

	now := time.Now()
	member := fmt.Sprintf("%s:%s", xid.New().String(), outcome)

	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, w.key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, w.key, "0", fmt.Sprintf("%d", now.Add(-w.span).UnixNano()))
	pipe.Expire(ctx, w.key, w.span*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record deployment outcome: %w", err)
	}
	return nil
}

// SuccessRate returns the success rate over the window.
func (w *RedisDeploymentWindow) SuccessRate(ctx context.Context) (float64, error) {
	cutoff := time.Now().Add(-w.span).UnixNano()

	members, err := w.client.ZRangeByScore(ctx, w.key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read deployment window: %w", err)
	}

	if len(members) == 0 {
		return 1.0, nil
	}

	successes := 0
	for _, member := range members {
		if strings.HasSuffix(member, ":ok") {
			successes++
		}
	}
	return float64(successes) / float64(len(members)), nil
}
