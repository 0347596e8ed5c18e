// Package tracker keeps a process-lifetime view of currently-active
// operations. It is advisory: the job ledger stays the source of truth,
// and the tracker is rebuilt empty on every restart.
package tracker

import (
	"sync"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

// Operation mirrors the live state of one executing job.
type Operation struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Title     string          `json:"title,omitempty"`
	Progress  models.Progress `json:"progress"`
	Message   string          `json:"message,omitempty"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
}

// Update is a partial operation update; nil fields are left unchanged.
type Update struct {
	Status   *string
	Progress *models.Progress
	Message  *string
}

// Summary is the aggregate view served by the operations API.
type Summary struct {
	Total  int                    `json:"total"`
	Active int                    `json:"active"`
	ByType map[string]KindSummary `json:"by_type"`
}

// KindSummary aggregates one job kind.
type KindSummary struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Tracker is an injectable in-memory operation registry.
type Tracker struct {
	mu           sync.Mutex
	ops          map[string]*Operation
	timers       map[string]*time.Timer
	lastActivity time.Time
	evictAfter   time.Duration
	closed       bool
}

// New creates a tracker. Terminal operations are evicted evictAfter
// after finishing, so pollers a few seconds apart still see them.
func New(evictAfter time.Duration) *Tracker {
	return &Tracker{
		ops:          make(map[string]*Operation),
		timers:       make(map[string]*time.Timer),
		lastActivity: time.Now(),
		evictAfter:   evictAfter,
	}
}

func key(kind, id string) string {
	return kind + ":" + id
}

// Register records a newly-started operation.
func (t *Tracker) Register(kind, id string, op Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	op.Kind = kind
	op.ID = id
	if op.Status == "" {
		op.Status = models.JobStatusRunning
	}
	if op.StartTime.IsZero() {
		op.StartTime = time.Now()
	}
	t.ops[key(kind, id)] = &op
	t.lastActivity = time.Now()
}

// Update applies a partial update. A terminal status stamps the end time,
// bumps the activity clock, and schedules eviction. Unknown operations
// are ignored.
func (t *Tracker) Update(kind, id string, upd Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	k := key(kind, id)
	op, ok := t.ops[k]
	if !ok {
		return
	}

	if upd.Progress != nil {
		op.Progress = *upd.Progress
	}
	if upd.Message != nil {
		op.Message = *upd.Message
	}
	if upd.Status != nil {
		op.Status = *upd.Status
		if models.IsTerminalStatus(op.Status) && op.EndTime == nil {
			now := time.Now()
			op.EndTime = &now
			t.lastActivity = now
			t.timers[k] = time.AfterFunc(t.evictAfter, func() {
				t.evict(k)
			})
		}
	}
}

func (t *Tracker) evict(k string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, k)
	delete(t.timers, k)
}

// Get returns a copy of one operation.
func (t *Tracker) Get(kind, id string) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[key(kind, id)]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// ListActive returns copies of all non-terminal operations.
func (t *Tracker) ListActive() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var active []Operation
	for _, op := range t.ops {
		if !models.IsTerminalStatus(op.Status) {
			active = append(active, *op)
		}
	}
	return active
}

// Summary returns aggregate counts over the whole registry, including
// finished operations still inside their eviction window.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{ByType: make(map[string]KindSummary)}
	for _, op := range t.ops {
		s.Total++
		ks := s.ByType[op.Kind]
		switch {
		case op.Status == models.JobStatusFailed:
			ks.Failed++
		case models.IsTerminalStatus(op.Status):
			ks.Completed++
		default:
			ks.Active++
			s.Active++
		}
		s.ByType[op.Kind] = ks
	}
	return s
}

// IsActive reports whether any operation is still running.
func (t *Tracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range t.ops {
		if !models.IsTerminalStatus(op.Status) {
			return true
		}
	}
	return false
}

// IdleDuration is the time since the last register or terminal
// transition. External scheduling policy reads this to decide whether
// the process is quiet enough for opportunistic work.
func (t *Tracker) IdleDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActivity)
}

// Shutdown stops pending eviction timers. The tracker accepts no further
// writes afterwards.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
}
