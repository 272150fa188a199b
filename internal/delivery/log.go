package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Log is the durable record of delivery attempts.
type Log interface {
	Create(ctx context.Context, rec model.DeliveryRecord) error
	Update(ctx context.Context, rec model.DeliveryRecord) error
	Get(ctx context.Context, id string) (model.DeliveryRecord, error)
	Recent(ctx context.Context, limit int) ([]model.DeliveryRecord, error)
	Between(ctx context.Context, from, to time.Time) ([]model.DeliveryRecord, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// MemoryLog keeps delivery records in process.
type MemoryLog struct {
	mu      sync.RWMutex
	records map[string]model.DeliveryRecord
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string]model.DeliveryRecord)}
}

// Create implements Log.
func (l *MemoryLog) Create(_ context.Context, rec model.DeliveryRecord) error {
	l.mu.Lock()
	l.records[rec.ID] = rec
	l.mu.Unlock()
	return nil
}

// Update implements Log.
func (l *MemoryLog) Update(_ context.Context, rec model.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.ID]; !ok {
		return ErrUnknownRecord
	}
	l.records[rec.ID] = rec
	return nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, id string) (model.DeliveryRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return model.DeliveryRecord{}, ErrUnknownRecord
	}
	return rec, nil
}

// Recent implements Log, newest first.
func (l *MemoryLog) Recent(_ context.Context, limit int) ([]model.DeliveryRecord, error) {
	out := l.sorted(func(model.DeliveryRecord) bool { return true })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Between implements Log, oldest first, from inclusive and to exclusive.
func (l *MemoryLog) Between(_ context.Context, from, to time.Time) ([]model.DeliveryRecord, error) {
	return l.sorted(func(r model.DeliveryRecord) bool {
		return !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	}), nil
}

// PruneBefore implements Log.
func (l *MemoryLog) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, rec := range l.records {
		if rec.CreatedAt.Before(before) {
			delete(l.records, id)
			n++
		}
	}
	return n, nil
}

func (l *MemoryLog) sorted(keep func(model.DeliveryRecord) bool) []model.DeliveryRecord {
	l.mu.RLock()
	out := make([]model.DeliveryRecord, 0, len(l.records))
	for _, rec := range l.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

var _ Log = (*MemoryLog)(nil)
