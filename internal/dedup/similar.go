package dedup

import (
	"sync"
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Similarity scores how alike two alerts are, from 0 (unrelated) to 1
// (identical). Near-duplicate suppression is only active when a strategy is
// supplied.
type Similarity interface {
	Score(a, b model.PendingAlert) float64
}

// SimilarityFunc adapts a function to Similarity.
type SimilarityFunc func(a, b model.PendingAlert) float64

// Score implements Similarity.
func (f SimilarityFunc) Score(a, b model.PendingAlert) float64 { return f(a, b) }

type recentAlert struct {
	alert   model.PendingAlert
	expires time.Time
}

// NearDuplicates remembers recently emitted alerts per (rule, event key) and
// rejects a new alert whose score against any of them reaches the threshold.
type NearDuplicates struct {
	strategy  Similarity
	threshold float64
	window    time.Duration

	mu     sync.Mutex
	recent map[string][]recentAlert
}

// NewNearDuplicates builds a filter. A nil strategy disables it.
func NewNearDuplicates(strategy Similarity, threshold float64, window time.Duration) *NearDuplicates {
	return &NearDuplicates{
		strategy:  strategy,
		threshold: threshold,
		window:    window,
		recent:    make(map[string][]recentAlert),
	}
}

// Suppress reports whether alert is a near duplicate. Accepted alerts are
// remembered until now+window.
func (n *NearDuplicates) Suppress(alert model.PendingAlert, now time.Time) bool {
	if n == nil || n.strategy == nil || n.window <= 0 {
		return false
	}
	key := alert.RuleID + "|" + alert.EventKey

	n.mu.Lock()
	defer n.mu.Unlock()

	live := n.recent[key][:0]
	for _, r := range n.recent[key] {
		if now.Before(r.expires) {
			live = append(live, r)
		}
	}
	for _, r := range live {
		if n.strategy.Score(r.alert, alert) >= n.threshold {
			n.recent[key] = live
			return true
		}
	}
	n.recent[key] = append(live, recentAlert{alert: alert, expires: now.Add(n.window)})
	return false
}

// Sweep drops expired memories.
func (n *NearDuplicates) Sweep(now time.Time) int {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for key, items := range n.recent {
		live := items[:0]
		for _, r := range items {
			if now.Before(r.expires) {
				live = append(live, r)
			} else {
				removed++
			}
		}
		if len(live) == 0 {
			delete(n.recent, key)
		} else {
			n.recent[key] = live
		}
	}
	return removed
}
