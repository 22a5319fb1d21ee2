package rl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// Defaults for Memory.
const (
	DefaultScanLimit = 1000
	DefaultCacheTTL  = time.Minute
	DefaultK         = 5
	MaxK             = 50
)

// MemoryConfig configures a Memory.
type MemoryConfig struct {
	// ScanLimit is how many recent experiences Similar scores.
	ScanLimit int
	// CacheTTL is how long the recent window is reused before reloading.
	CacheTTL time.Duration
	Logger   logging.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Memory records experiences and retrieves similar ones.
type Memory struct {
	store     Store
	scanLimit int
	ttl       time.Duration
	logger    logging.Logger
	now       func() time.Time

	group    singleflight.Group
	mu       sync.Mutex
	recent   []Experience
	loadedAt time.Time
}

// NewMemory creates a Memory over store.
func NewMemory(store Store, cfg MemoryConfig) *Memory {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultScanLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Memory{
		store:     store,
		scanLimit: cfg.ScanLimit,
		ttl:       cfg.CacheTTL,
		logger:    cfg.Logger.With(logging.F("component", "rl_memory")),
		now:       cfg.Clock,
	}
}

// Record stores an answered query with its initial reward.
func (m *Memory) Record(ctx context.Context, req RecordRequest) (*Experience, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" || req.Intent == "" {
		return nil, fmt.Errorf("query and intent are required: %w", vcerrors.ErrValidation)
	}
	e := &Experience{
		ID:           uuid.New(),
		Query:        query,
		Intent:       req.Intent,
		Embedding:    Embed(query),
		LatencyMs:    req.Latency.Milliseconds(),
		Success:      req.Success,
		UsedFallback: req.UsedFallback,
	}
	if req.ConversationID != "" {
		cid, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("invalid conversation id %q: %w", req.ConversationID, vcerrors.ErrValidation)
		}
		e.ConversationID = &cid
	}
	e.Reward = ShapeReward(e.Signal())
	if err := m.store.Insert(ctx, e); err != nil {
		return nil, err
	}
	m.remember(*e)
	m.logger.Debug("Experience recorded",
		logging.F("experience_id", e.ID.String()),
		logging.F("intent", e.Intent),
		logging.F("reward", e.Reward))
	return e, nil
}

// ApplyFeedback reshapes an experience's reward from the user's rating.
func (m *Memory) ApplyFeedback(ctx context.Context, req FeedbackRequest) (*Experience, error) {
	id, err := req.Validate()
	if err != nil {
		return nil, err
	}
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fb := Feedback{
		Rating:          req.Rating,
		Correction:      strings.TrimSpace(req.Correction),
		CorrectedIntent: strings.TrimSpace(req.CorrectedIntent),
		GivenAt:         m.now().UTC(),
	}
	e.Feedback = &fb
	reward := ShapeReward(e.Signal())

	updated, err := m.store.UpdateFeedback(ctx, id, reward, fb)
	if err != nil {
		return nil, err
	}
	m.replace(*updated)
	m.logger.Info("Experience feedback applied",
		logging.F("experience_id", id.String()),
		logging.F("rating", req.Rating),
		logging.F("reward", reward))
	return updated, nil
}

// Similar returns up to k recent experiences scoring at least minScore
// against query, best first.
func (m *Memory) Similar(ctx context.Context, query string, k int, minScore float64) ([]Match, error) {
	if k <= 0 {
		k = DefaultK
	}
	if k > MaxK {
		k = MaxK
	}
	q := Embed(query)
	recent, err := m.window(ctx)
	if err != nil {
		return nil, err
	}

	var out []Match
	for _, e := range recent {
		score := Cosine(q, e.Embedding)
		if score <= 0 || score < minScore {
			continue
		}
		out = append(out, Match{Experience: e, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// IntentStats returns per-intent aggregates.
func (m *Memory) IntentStats(ctx context.Context) ([]IntentStat, error) {
	return m.store.Stats(ctx)
}

// window returns the cached recent experiences, reloading them once the TTL
// has passed. Concurrent reloads share one query.
func (m *Memory) window(ctx context.Context) ([]Experience, error) {
	m.mu.Lock()
	if m.recent != nil && m.now().Sub(m.loadedAt) < m.ttl {
		recent := m.recent
		m.mu.Unlock()
		return recent, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("recent", func() (any, error) {
		recent, err := m.store.Recent(ctx, m.scanLimit)
		if err != nil {
			return nil, err
		}
		if recent == nil {
			recent = []Experience{}
		}
		m.mu.Lock()
		m.recent = recent
		m.loadedAt = m.now()
		m.mu.Unlock()
		return recent, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Experience), nil
}

// remember puts a new experience at the front of a loaded window. Readers
// may hold the old slice, so the window is copied rather than mutated.
func (m *Memory) remember(e Experience) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recent == nil {
		return
	}
	n := len(m.recent) + 1
	if n > m.scanLimit {
		n = m.scanLimit
	}
	next := make([]Experience, 0, n)
	next = append(next, e)
	next = append(next, m.recent[:n-1]...)
	m.recent = next
}

// replace swaps an updated experience into a loaded window.
func (m *Memory) replace(e Experience) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recent {
		if m.recent[i].ID == e.ID {
			next := append([]Experience(nil), m.recent...)
			next[i] = e
			m.recent = next
			return
		}
	}
}
