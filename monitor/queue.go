package monitor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quayyum-a/tradecore/metrics"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRIORITY QUEUE - Trigger dispatch ordering
// ═══════════════════════════════════════════════════════════════════════════════
//
// Composite priority, higher first:
//   distance factor  – closer price to trigger, bigger contribution
//   size factor      – larger positions first
//   risk factor      – unrealized loss / notional classification
//   age factor       – anti-starvation bonus at 5s / 10s
// Ties break FIFO by insertion sequence.
//
// Capacity is bounded; overflow evicts the lowest-priority entry that is
// not yet due. Due triggers are never dropped — an evicted candidate is
// parked and re-enqueued on the next evaluation cycle.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Risk classifies a trigger by unrealized loss over notional
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

// Urgency tags a trigger by distance to its price
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// Trigger is one SL/TP firing awaiting execution
type Trigger struct {
	PositionID   string
	Symbol       string
	Kind         types.ExecutionKind // STOP_LOSS or TAKE_PROFIT
	TriggerPrice decimal.Decimal
	CurrentPrice decimal.Decimal
	PositionSize decimal.Decimal
	Risk         Risk
	Urgency      Urgency
	Due          bool // price already at or past the trigger
	TriggeredAt  time.Time
	EnqueuedAt   time.Time

	seq      uint64
	priority int
	index    int
}

// priorityFor computes the composite priority score
func priorityFor(t *Trigger, now time.Time) int {
	score := 0

	// Distance factor: |current − trigger| / trigger, bucketed
	if t.TriggerPrice.IsPositive() {
		dist, _ := t.CurrentPrice.Sub(t.TriggerPrice).Abs().Div(t.TriggerPrice).Float64()
		switch {
		case dist < 0.001:
			score += 400
		case dist < 0.005:
			score += 300
		case dist < 0.01:
			score += 200
		case dist < 0.02:
			score += 100
		}
	}

	// Size factor: log-ish buckets on position size
	switch {
	case t.PositionSize.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		score += 150
	case t.PositionSize.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		score += 100
	case t.PositionSize.GreaterThanOrEqual(decimal.NewFromInt(100)):
		score += 50
	}

	// Risk factor
	switch t.Risk {
	case RiskHigh:
		score += 100
	case RiskMedium:
		score += 50
	}

	// Age factor: anti-starvation bonus
	age := now.Sub(t.EnqueuedAt)
	if age > 10*time.Second {
		score += 50
	} else if age > 5*time.Second {
		score += 25
	}

	return score
}

// urgencyFor maps distance to an urgency tag, monotone in distance
func urgencyFor(current, trigger decimal.Decimal) Urgency {
	if !trigger.IsPositive() {
		return UrgencyLow
	}
	dist, _ := current.Sub(trigger).Abs().Div(trigger).Float64()
	switch {
	case dist < 0.0005:
		return UrgencyCritical
	case dist < 0.005:
		return UrgencyHigh
	case dist < 0.02:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// triggerHeap orders by priority desc, then FIFO by sequence
type triggerHeap []*Trigger

func (h triggerHeap) Len() int { return len(h) }
func (h triggerHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *triggerHeap) Push(x interface{}) {
	t := x.(*Trigger)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *triggerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]
	return t
}

// Queue is the bounded trigger priority queue. A single worker drains
// it; producers are the tick evaluation path.
type Queue struct {
	mu       sync.Mutex
	heap     triggerHeap
	capacity int
	nextSeq  uint64
	pending  map[string]bool // positionID_kind already queued
	parked   []*Trigger      // evicted, awaiting re-enqueue
}

// NewQueue creates a queue with the given capacity (default 2000)
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Queue{
		capacity: capacity,
		pending:  make(map[string]bool),
	}
}

// Enqueue inserts a trigger, deduplicating per (position, kind) and
// evicting the lowest-priority non-due entry on overflow.
func (q *Queue) Enqueue(t *Trigger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dedup := t.PositionID + "_" + string(t.Kind)
	if q.pending[dedup] {
		return false
	}

	now := time.Now()
	t.EnqueuedAt = now
	t.Urgency = urgencyFor(t.CurrentPrice, t.TriggerPrice)
	t.priority = priorityFor(t, now)
	t.seq = q.nextSeq
	q.nextSeq++

	if len(q.heap) >= q.capacity {
		if !q.evictLowest(t) {
			// No evictable entry is weaker than the new trigger: park it instead
			q.parked = append(q.parked, t)
			metrics.TriggersDropped.Inc()
			return false
		}
	}

	heap.Push(&q.heap, t)
	q.pending[dedup] = true
	metrics.TriggersEnqueued.WithLabelValues(string(t.Kind)).Inc()
	metrics.QueueDepth.Set(float64(len(q.heap)))
	return true
}

// evictLowest removes the weakest non-due entry if it is weaker than
// the incoming trigger. Due triggers are never evicted.
func (q *Queue) evictLowest(incoming *Trigger) bool {
	lowest := -1
	for i, t := range q.heap {
		if t.Due {
			continue
		}
		if lowest == -1 || q.heap[lowest].priority > t.priority ||
			(q.heap[lowest].priority == t.priority && q.heap[lowest].seq < t.seq) {
			lowest = i
		}
	}
	if lowest == -1 {
		return false
	}
	if !incoming.Due && q.heap[lowest].priority >= incoming.priority {
		return false
	}

	evicted := q.heap[lowest]
	heap.Remove(&q.heap, lowest)
	delete(q.pending, evicted.PositionID+"_"+string(evicted.Kind))
	q.parked = append(q.parked, evicted)
	metrics.TriggersDropped.Inc()
	return true
}

// Dequeue pops the highest-priority trigger, refreshing age bonuses first
func (q *Queue) Dequeue() *Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	now := time.Now()
	changed := false
	for _, t := range q.heap {
		p := priorityFor(t, now)
		if p != t.priority {
			t.priority = p
			changed = true
		}
	}
	if changed {
		heap.Init(&q.heap)
	}

	t := heap.Pop(&q.heap).(*Trigger)
	delete(q.pending, t.PositionID+"_"+string(t.Kind))
	metrics.QueueDepth.Set(float64(len(q.heap)))
	return t
}

// DrainParked returns and clears the parked triggers for re-enqueue
func (q *Queue) DrainParked() []*Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()
	parked := q.parked
	q.parked = nil
	return parked
}

// Park returns a drained trigger to the parked set
func (q *Queue) Park(t *Trigger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked = append(q.parked, t)
}

// Remove drops any queued triggers for a position (closure/cancel)
func (q *Queue) Remove(positionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.heap) - 1; i >= 0; i-- {
		if q.heap[i].PositionID == positionID {
			t := q.heap[i]
			heap.Remove(&q.heap, i)
			delete(q.pending, t.PositionID+"_"+string(t.Kind))
		}
	}
	metrics.QueueDepth.Set(float64(len(q.heap)))
}

// Len returns the current queue depth
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
