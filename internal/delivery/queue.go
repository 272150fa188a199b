package delivery

import (
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

type entry struct {
	rec model.DeliveryRecord
	msg model.Message

	due             time.Time
	index           int // position in retryQueue, -1 when not queued
	held            bool
	inflight        bool
	cancelRequested bool
	cancelReason    string
}

// retryQueue is a min-heap of entries ordered by due time.
type retryQueue []*entry

func (q retryQueue) Len() int { return len(q) }

func (q retryQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }

func (q retryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *retryQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
