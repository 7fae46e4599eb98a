package pipeline

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

// scheduler owns the pending queue and forms batches under two
// triggers, whichever fires first: the queue reaching maxBatch (batch
// formed immediately) or the oldest pending entry reaching maxWait
// (batch formed from everything pending). All pending-queue and
// batch-queue mutation happens under one mutex so no two batch
// decisions can overlap.
//
// Formed batches land on an unbounded FIFO drained by the inference
// workers, so formation cadence never blocks on inference cadence.
type scheduler struct {
	maxBatch int
	maxWait  time.Duration
	metrics  *pipelineMetrics

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*asr.PendingRequest
	queue   []*asr.Batch
	timer   *time.Timer
	closed  bool
}

func newScheduler(maxBatch int, maxWait time.Duration, metrics *pipelineMetrics) *scheduler {
	s := &scheduler{
		maxBatch: maxBatch,
		maxWait:  maxWait,
		metrics:  metrics,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue adds one extracted request to the pending queue. The age
// timer is armed when the queue transitions from empty; the size
// trigger fires inline.
func (s *scheduler) enqueue(pr *asr.PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	pr.EnqueuedAt = time.Now()
	s.pending = append(s.pending, pr)

	if len(s.pending) >= s.maxBatch {
		s.formLocked(s.maxBatch)
		return
	}
	if len(s.pending) == 1 {
		s.armTimerLocked(s.maxWait)
	}
}

// remove withdraws a pending entry by request id. Only entries that
// have not yet been placed into a batch can be removed; once a batch
// is formed its members are committed.
func (s *scheduler) remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, pr := range s.pending {
		if pr.Request.ID != id {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		if len(s.pending) == 0 && s.timer != nil {
			s.timer.Stop()
		}
		return true
	}
	return false
}

// onTimer re-evaluates the age trigger. The deadline is always judged
// against the current oldest entry: if the entry the timer was armed
// for has since left the queue, the timer re-arms instead of forming
// a premature batch.
func (s *scheduler) onTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.pending) == 0 {
		return
	}

	remaining := time.Until(s.pending[0].EnqueuedAt.Add(s.maxWait))
	if remaining > 0 {
		s.armTimerLocked(remaining)
		return
	}
	s.formLocked(len(s.pending))
}

func (s *scheduler) armTimerLocked(d time.Duration) {
	if s.timer == nil {
		s.timer = time.AfterFunc(d, s.onTimer)
		return
	}
	s.timer.Reset(d)
}

// formLocked takes the n oldest pending entries into a batch,
// preserving arrival order, and wakes an idle inference worker.
// Callers hold s.mu.
func (s *scheduler) formLocked(n int) {
	members := make([]*asr.PendingRequest, n)
	copy(members, s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)

	maxFrames := 0
	for _, pr := range members {
		if f := pr.Features.NumFrames(); f > maxFrames {
			maxFrames = f
		}
	}

	now := time.Now()
	batch := &asr.Batch{
		Members:   members,
		CreatedAt: now,
		MaxFrames: maxFrames,
	}
	s.queue = append(s.queue, batch)

	if s.metrics != nil {
		s.metrics.recordBatch(len(members), now.Sub(members[0].EnqueuedAt))
	}

	if len(s.pending) > 0 {
		s.armTimerLocked(time.Until(s.pending[0].EnqueuedAt.Add(s.maxWait)))
	} else if s.timer != nil {
		s.timer.Stop()
	}

	s.cond.Signal()
}

// next blocks until a batch is available or the scheduler is closed
// and fully drained.
func (s *scheduler) next() (*asr.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	batch := s.queue[0]
	s.queue = s.queue[1:]
	return batch, true
}

// shutdown flushes whatever is pending as a final batch and releases
// all workers blocked in next once the queue drains.
func (s *scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	for len(s.pending) > 0 {
		n := len(s.pending)
		if n > s.maxBatch {
			n = s.maxBatch
		}
		s.formLocked(n)
	}
	s.closed = true
	s.cond.Broadcast()
}

// depths reports pending and formed-queue lengths for the gauges.
func (s *scheduler) depths() (pending, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.queue)
}
