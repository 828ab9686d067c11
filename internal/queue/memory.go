package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type memItem struct {
	job   model.DispatchJob
	due   time.Time
	index int // heap index, -1 when not in the heap
}

type dueHeap []*memItem

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *dueHeap) Push(x any) {
	it := x.(*memItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type memLease struct {
	item  *memItem
	until time.Time
}

// MemoryQueue is an in-process JobQueue ordered by due time. Jobs of paused
// campaigns are parked outside the heap until resumed.
type MemoryQueue struct {
	mu sync.Mutex

	ready    dueHeap
	parked   map[int][]*memItem
	paused   map[int]bool
	known    map[string]*memItem
	inflight map[string]memLease
	wake     chan struct{}
	closed   bool

	// Visibility re-releases reservations that were never acked. Zero disables it.
	Visibility time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewMemoryQueue(log *zap.Logger) *MemoryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryQueue{
		parked:   make(map[int][]*memItem),
		paused:   make(map[int]bool),
		known:    make(map[string]*memItem),
		inflight: make(map[string]memLease),
		wake:     make(chan struct{}),
		log:      log,
		now:      time.Now,
	}
}

// broadcast wakes every goroutine blocked in Reserve. Callers hold mu.
func (q *MemoryQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job model.DispatchJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, dup := q.known[job.ID]; dup {
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	it := &memItem{job: job, due: q.now().Add(delay), index: -1}
	q.known[job.ID] = it
	q.place(it)
	return nil
}

// place puts an item in the heap or in its campaign's parking lot.
func (q *MemoryQueue) place(it *memItem) {
	if q.paused[it.job.CampaignID] {
		q.parked[it.job.CampaignID] = append(q.parked[it.job.CampaignID], it)
		return
	}
	heap.Push(&q.ready, it)
	q.broadcast()
}

func (q *MemoryQueue) Reserve(ctx context.Context) (*Reservation, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.now()
		q.expireLeases(now)

		var wait time.Duration = -1
		if len(q.ready) > 0 {
			top := q.ready[0]
			if !top.due.After(now) {
				heap.Pop(&q.ready)
				q.inflight[top.job.ID] = memLease{item: top, until: now.Add(q.Visibility)}
				q.mu.Unlock()
				return &Reservation{Job: top.job, ReservedAt: now, token: top}, nil
			}
			wait = top.due.Sub(now)
		}
		if q.Visibility > 0 && len(q.inflight) > 0 && (wait < 0 || wait > q.Visibility) {
			wait = q.Visibility
		}
		wake := q.wake
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait >= 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (q *MemoryQueue) expireLeases(now time.Time) {
	if q.Visibility <= 0 {
		return
	}
	for id, l := range q.inflight {
		if now.After(l.until) {
			delete(q.inflight, id)
			q.log.Warn("lease expired, job visible again", zap.String("job_id", id))
			l.item.due = now
			q.place(l.item)
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, r *Reservation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, r.Job.ID)
	if it, ok := q.known[r.Job.ID]; ok && it == r.token {
		delete(q.known, r.Job.ID)
	}
	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, r *Reservation, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.inflight[r.Job.ID]
	if !ok {
		// purged or re-leased after expiry
		return nil
	}
	delete(q.inflight, r.Job.ID)
	l.item.due = q.now().Add(delay)
	q.place(l.item)
	return nil
}

func (q *MemoryQueue) PauseCampaign(ctx context.Context, campaignID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused[campaignID] {
		return nil
	}
	q.paused[campaignID] = true

	kept := q.ready[:0]
	for _, it := range q.ready {
		if it.job.CampaignID == campaignID {
			it.index = -1
			q.parked[campaignID] = append(q.parked[campaignID], it)
			continue
		}
		kept = append(kept, it)
	}
	q.ready = kept
	for i, it := range q.ready {
		it.index = i
	}
	heap.Init(&q.ready)
	return nil
}

func (q *MemoryQueue) ResumeCampaign(ctx context.Context, campaignID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.paused[campaignID] {
		return nil
	}
	delete(q.paused, campaignID)
	for _, it := range q.parked[campaignID] {
		heap.Push(&q.ready, it)
	}
	delete(q.parked, campaignID)
	q.broadcast()
	return nil
}

func (q *MemoryQueue) PurgeCampaign(ctx context.Context, campaignID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	purged := len(q.parked[campaignID])
	for _, it := range q.parked[campaignID] {
		delete(q.known, it.job.ID)
	}
	delete(q.parked, campaignID)

	kept := q.ready[:0]
	for _, it := range q.ready {
		if it.job.CampaignID == campaignID {
			delete(q.known, it.job.ID)
			purged++
			continue
		}
		kept = append(kept, it)
	}
	q.ready = kept
	for i, it := range q.ready {
		it.index = i
	}
	heap.Init(&q.ready)

	for id, l := range q.inflight {
		if l.item.job.CampaignID == campaignID {
			delete(q.inflight, id)
			delete(q.known, id)
		}
	}
	q.log.Debug("purged campaign jobs", zap.Int("campaign_id", campaignID), zap.Int("jobs", purged))
	return nil
}

// Len reports jobs waiting to be reserved, parked ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ready)
	for _, p := range q.parked {
		n += len(p)
	}
	return n
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}

var _ JobQueue = (*MemoryQueue)(nil)
