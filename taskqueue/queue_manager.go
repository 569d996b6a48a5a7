package taskqueue

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"imagegen-worker/generation"

	"github.com/rs/zerolog/log"
)

// ErrInvalidStateTransition is returned when StartTask or FinishTask is called
// for a ticket that is unknown or not in the state the call requires.
var ErrInvalidStateTransition = errors.New("invalid ticket state transition")

// State is the lifecycle position of a ticket
type State string

const (
	StateQueued   State = "Queued"
	StateRunning  State = "Running"
	StateFinished State = "Finished"
)

// Ticket is the queue's record of one admitted generation job
type Ticket struct {
	Seq        int64
	Kind       generation.Kind
	Request    generation.Request
	State      State
	Results    []generation.Outcome
	HadError   bool
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

func (t *Ticket) copy() Ticket {
	out := *t
	out.Request = t.Request.Clone()
	out.Results = slices.Clone(t.Results)
	return out
}

// Stats is a point-in-time view of the queue for monitoring
type Stats struct {
	Capacity int
	Queued   int
	Running  int
	Finished int
	LastSeq  int64
}

// QueueManager admits generation jobs up to a fixed capacity and releases
// them one at a time in arrival order.
// The engine behind it serves a single job, so there is exactly one running slot.
type QueueManager struct {
	mu          sync.Mutex
	capacity    int
	historySize int
	lastSeq     int64
	active      []*Ticket // Queued or Running, ordered by Seq
	history     []*Ticket // Finished, oldest first
}

// NewQueueManager creates a queue admitting at most capacity queued-or-running
// tickets and retaining up to historySize finished tickets for lookup.
func NewQueueManager(capacity, historySize int) *QueueManager {
	if capacity < 1 {
		capacity = 1
	}
	if historySize < 0 {
		historySize = 0
	}
	return &QueueManager{
		capacity:    capacity,
		historySize: historySize,
	}
}

// Enqueue admits a job and returns its sequence number. It returns false
// without touching the queue when capacity is exhausted.
func (qm *QueueManager) Enqueue(req generation.Request) (int64, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if len(qm.active) >= qm.capacity {
		return 0, false
	}

	qm.lastSeq++
	t := &Ticket{
		Seq:        qm.lastSeq,
		Kind:       req.Kind(),
		Request:    req.Clone(),
		State:      StateQueued,
		EnqueuedAt: time.Now(),
	}
	qm.active = append(qm.active, t)
	log.Debug().Int64("seq", t.Seq).Str("kind", string(t.Kind)).Int("depth", len(qm.active)).Msg("taskqueue: ticket admitted")
	return t.Seq, true
}

// IsReadyToStart reports whether seq is the head of the active ledger and
// still queued.
func (qm *QueueManager) IsReadyToStart(seq int64) bool {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if len(qm.active) == 0 {
		return false
	}
	head := qm.active[0]
	return head.Seq == seq && head.State == StateQueued
}

// StartTask moves the head ticket from Queued to Running.
func (qm *QueueManager) StartTask(seq int64) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	i := qm.indexOf(seq)
	if i < 0 {
		return fmt.Errorf("%w: start of unknown ticket %d", ErrInvalidStateTransition, seq)
	}
	t := qm.active[i]
	if i != 0 || t.State != StateQueued {
		return fmt.Errorf("%w: start of ticket %d (state=%s, position=%d)", ErrInvalidStateTransition, seq, t.State, i+1)
	}
	t.State = StateRunning
	t.StartedAt = time.Now()
	return nil
}

// FinishTask records the outcome of a ticket and removes it from the active
// ledger, which makes the next queued ticket the head. Running tickets finish
// normally; queued tickets may finish when orchestration failed before start.
func (qm *QueueManager) FinishTask(seq int64, results []generation.Outcome, hadError bool) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	i := qm.indexOf(seq)
	if i < 0 {
		if seq > 0 && seq <= qm.lastSeq {
			return fmt.Errorf("%w: ticket %d already finished", ErrInvalidStateTransition, seq)
		}
		return fmt.Errorf("%w: finish of unknown ticket %d", ErrInvalidStateTransition, seq)
	}
	t := qm.active[i]
	t.State = StateFinished
	t.Results = slices.Clone(results)
	t.HadError = hadError
	t.FinishedAt = time.Now()

	qm.active = slices.Delete(qm.active, i, i+1)
	qm.remember(t)
	return nil
}

// Ticket returns a copy of the ticket with the given sequence, looking in
// the active ledger first and then in the finished history.
func (qm *QueueManager) Ticket(seq int64) (Ticket, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if i := qm.indexOf(seq); i >= 0 {
		return qm.active[i].copy(), true
	}
	for _, t := range qm.history {
		if t.Seq == seq {
			return t.copy(), true
		}
	}
	return Ticket{}, false
}

// Len returns the number of queued or running tickets
func (qm *QueueManager) Len() int {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	return len(qm.active)
}

func (qm *QueueManager) Capacity() int {
	return qm.capacity
}

// Snapshot returns current counts (for monitoring/readiness)
func (qm *QueueManager) Snapshot() Stats {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	s := Stats{
		Capacity: qm.capacity,
		Finished: len(qm.history),
		LastSeq:  qm.lastSeq,
	}
	for _, t := range qm.active {
		switch t.State {
		case StateQueued:
			s.Queued++
		case StateRunning:
			s.Running++
		}
	}
	return s
}

// indexOf finds seq in the active ledger; callers hold mu.
func (qm *QueueManager) indexOf(seq int64) int {
	for i, t := range qm.active {
		if t.Seq == seq {
			return i
		}
	}
	return -1
}

// remember appends a finished ticket to history, evicting the oldest; callers hold mu.
func (qm *QueueManager) remember(t *Ticket) {
	if qm.historySize == 0 {
		return
	}
	qm.history = append(qm.history, t)
	if over := len(qm.history) - qm.historySize; over > 0 {
		qm.history = slices.Delete(qm.history, 0, over)
	}
}
