package sentio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hyperengineering/sentio/internal/metrics"
)

// Publisher receives committed events for downstream consumers.
// Publishing is best effort: failures are logged and never undo a commit.
type Publisher interface {
	PublishFeedback(ctx context.Context, key string, event any) error
	PublishRelocation(ctx context.Context, key string, event any) error
	Close() error
}

// Relocation tells the media mover where a validated sample belongs.
type Relocation struct {
	RecordID    string         `json:"record_id"`
	Modality    Modality       `json:"modality"`
	StagedFile  string         `json:"staged_file"`
	StoragePath string         `json:"storage_path,omitempty"`
	Destination Classification `json:"destination"`
	ValidatedAt time.Time      `json:"validated_at"`
}

// core is the state shared by Pipeline and Tuner: the backend, the
// per-modality locks, and the ambient logger, metrics and publisher.
type core struct {
	backend    Backend
	locks      map[Modality]*sync.Mutex
	maxRetries int
	log        *zap.Logger
	metrics    *metrics.Metrics
	events     Publisher
	now        func() time.Time
}

func newCore(b Backend, log *zap.Logger, m *metrics.Metrics, p Publisher, maxRetries int) *core {
	if log == nil {
		log = zap.NewNop()
	}
	locks := make(map[Modality]*sync.Mutex, len(Modalities()))
	for _, mod := range Modalities() {
		locks[mod] = &sync.Mutex{}
	}
	return &core{
		backend:    b,
		locks:      locks,
		maxRetries: maxRetries,
		log:        log,
		metrics:    m,
		events:     p,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// serialized runs fn as one transaction inside m's critical section. The
// transaction locks m's config row before fn runs. A version conflict means
// another writer committed first, so the whole read-modify-write is rerun.
// Any other error is returned as is.
func (c *core) serialized(ctx context.Context, m Modality, fn func(tx Backend) error) error {
	mu := c.locks[m]
	mu.Lock()
	defer mu.Unlock()

	backoff := retry.WithMaxRetries(uint64(c.maxRetries),
		retry.WithJitter(5*time.Millisecond, retry.NewExponential(10*time.Millisecond)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.backend.Atomic(ctx, func(tx Backend) error {
			if err := tx.LockConfig(ctx, m); err != nil {
				return err
			}
			return fn(tx)
		})
		if errors.Is(err, ErrVersionConflict) {
			c.metrics.RecordVersionConflict(string(m))
			c.log.Debug("threshold config changed concurrently, retrying",
				zap.String("modality", string(m)), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	return err
}

func (c *core) publishFeedback(ctx context.Context, e *FeedbackEvent) {
	if c.events == nil || e == nil {
		return
	}
	if err := c.events.PublishFeedback(ctx, string(e.Modality), e); err != nil {
		c.log.Warn("publish feedback event", zap.Int64("event_id", e.ID), zap.Error(err))
	}
}

func (c *core) publishRelocation(ctx context.Context, r Relocation) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishRelocation(ctx, r.RecordID, r); err != nil {
		c.log.Warn("publish relocation", zap.String("record_id", r.RecordID), zap.Error(err))
	}
}
