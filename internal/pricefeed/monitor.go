// Package pricefeed maintains last-known prices per feed and evaluates
// trigger conditions against them. Prices are 1e6 fixed point, matching the
// engine scale used by the on-chain trigger comparison.
package pricefeed

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ghostfi/ghost/backend/internal/ordercodec"
)

// PriceScale is the engine fixed-point scale.
const PriceScale = 1_000_000

// PricePoint is the last observation for one feed.
type PricePoint struct {
	FeedID      [32]byte
	Price       int64 // 1e6 fixed point
	Conf        uint64
	PublishTime int64
}

// Source pulls the latest price for a set of feeds.
type Source interface {
	Latest(ctx context.Context, feedIDs [][32]byte) ([]PricePoint, error)
}

// Candidate is one order the coordinator wants evaluated this tick.
type Candidate struct {
	Key          string
	FeedID       [32]byte
	Condition    ordercodec.TriggerCondition
	TriggerPrice int64
}

type Monitor struct {
	source    Source
	staleness time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	feeds  map[[32]byte]int // subscription refcount
	prices map[[32]byte]PricePoint

	now func() time.Time
}

func NewMonitor(source Source, staleness time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:    source,
		staleness: staleness,
		logger:    logger,
		feeds:     make(map[[32]byte]int),
		prices:    make(map[[32]byte]PricePoint),
		now:       time.Now,
	}
}

func (m *Monitor) Subscribe(feedID [32]byte) {
	m.mu.Lock()
	m.feeds[feedID]++
	m.mu.Unlock()
}

func (m *Monitor) Unsubscribe(feedID [32]byte) {
	m.mu.Lock()
	if m.feeds[feedID] > 1 {
		m.feeds[feedID]--
	} else {
		delete(m.feeds, feedID)
	}
	m.mu.Unlock()
}

// SubscribedFeeds snapshots the feeds currently under subscription.
func (m *Monitor) SubscribedFeeds() [][32]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	feedIDs := make([][32]byte, 0, len(m.feeds))
	for id := range m.feeds {
		feedIDs = append(feedIDs, id)
	}
	return feedIDs
}

// Refresh pulls every subscribed feed once. Called once per tick so a tick
// evaluates all orders against the same snapshot.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.mu.RLock()
	feedIDs := make([][32]byte, 0, len(m.feeds))
	for id := range m.feeds {
		feedIDs = append(feedIDs, id)
	}
	m.mu.RUnlock()

	if len(feedIDs) == 0 {
		return nil
	}

	points, err := m.source.Latest(ctx, feedIDs)
	if err != nil {
		return fmt.Errorf("refresh price feeds: %w", err)
	}
	for _, point := range points {
		m.Update(point)
	}
	return nil
}

// Update records an observation. Streaming sources push through here as
// well; an older publish time never overwrites a newer one.
func (m *Monitor) Update(point PricePoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.prices[point.FeedID]; ok && existing.PublishTime > point.PublishTime {
		return
	}
	m.prices[point.FeedID] = point
}

func (m *Monitor) LastPrice(feedID [32]byte) (PricePoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	point, ok := m.prices[feedID]
	return point, ok
}

// Evaluate reports whether the trigger condition holds for the feed's
// last-known price. Both boundaries are inclusive. A missing price, or one
// older than the staleness bound, never matches: stale data must not fire
// a trade.
func (m *Monitor) Evaluate(feedID [32]byte, condition ordercodec.TriggerCondition, triggerPrice int64) bool {
	point, ok := m.LastPrice(feedID)
	if !ok {
		return false
	}
	if m.isStale(point) {
		m.logger.Debug("price too stale to trigger",
			"feed", hex.EncodeToString(feedID[:8]),
			"publish_time", point.PublishTime,
		)
		return false
	}

	switch condition {
	case ordercodec.TriggerAbove:
		return point.Price >= triggerPrice
	case ordercodec.TriggerBelow:
		return point.Price <= triggerPrice
	default:
		return false
	}
}

// MatchAll evaluates the batch once against the current snapshot and returns
// at most maxMatches candidate keys, bounding how much write traffic a
// single tick can hand to the coordinator.
func (m *Monitor) MatchAll(candidates []Candidate, maxMatches int) []string {
	matched := make([]string, 0, maxMatches)
	for _, candidate := range candidates {
		if maxMatches > 0 && len(matched) >= maxMatches {
			break
		}
		if m.Evaluate(candidate.FeedID, candidate.Condition, candidate.TriggerPrice) {
			matched = append(matched, candidate.Key)
		}
	}
	return matched
}

func (m *Monitor) isStale(point PricePoint) bool {
	if m.staleness <= 0 {
		return false
	}
	age := m.now().Unix() - point.PublishTime
	return age > int64(m.staleness/time.Second)
}
