// Package scheduler implements the cooperative slot-based concurrency cap
// that the executor pool uses to bound how many tasks run at once.
// Tasks acquire a slot before entering the ready-to-run state and release
// it the moment they stop doing work that counts against the cap (an LLM
// call, a tool execution, a validation stage) so the pool never exceeds
// max_concurrent_tasks simultaneous units of work.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"merlin/internal/logging"
)

// Phase represents where a task is in its scheduling lifecycle.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseWaitingForSlot
	PhaseExecuting
	PhaseProcessingResult
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseWaitingForSlot:
		return "waiting_for_slot"
	case PhaseExecuting:
		return "executing"
	case PhaseProcessingResult:
		return "processing_result"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// TaskState tracks a task's scheduling progress.
type TaskState struct {
	TaskID        string
	Phase         Phase
	SlotCount     int
	TotalWaitTime time.Duration
	StartTime     time.Time
	LastAcquire   time.Time
	Error         error
}

// Config configures the scheduler.
type Config struct {
	MaxConcurrentTasks int
	SlotAcquireTimeout time.Duration
}

// DefaultConfig mirrors the default max_concurrent_tasks.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 4,
		SlotAcquireTimeout: 5 * time.Minute,
	}
}

type waitingEntry struct {
	taskID    string
	waitStart time.Time
}

// Scheduler bounds concurrent task execution with a semaphore of slots.
// Tasks cooperatively release their slot between units of work so a task
// blocked on, say, a subprocess doesn't starve the ready-set.
type Scheduler struct {
	config Config
	slots  chan struct{}

	mu         sync.RWMutex
	taskStates map[string]*TaskState
	waitQueue  []*waitingEntry

	totalAcquisitions  int64
	totalWaitTime      int64
	currentlyWaiting   int32
	currentlyExecuting int32

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler with the given slot count.
func New(config Config) *Scheduler {
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = DefaultConfig().MaxConcurrentTasks
	}
	return &Scheduler{
		config:     config,
		slots:      make(chan struct{}, config.MaxConcurrentTasks),
		taskStates: make(map[string]*TaskState),
		waitQueue:  make([]*waitingEntry, 0),
		stopCh:     make(chan struct{}),
	}
}

// Register creates state tracking for a task entering the ready-set.
func (s *Scheduler) Register(taskID string) *TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &TaskState{
		TaskID:    taskID,
		Phase:     PhaseInitializing,
		StartTime: time.Now(),
	}
	s.taskStates[taskID] = state
	logging.SchedulerDebug("registered task %s", taskID)
	return state
}

// Unregister drops state tracking for a task that left the pool.
func (s *Scheduler) Unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.taskStates[taskID]; ok {
		state.Phase = PhaseCompleted
		delete(s.taskStates, taskID)
		logging.SchedulerDebug("unregistered task %s (slots_used=%d, total_wait=%v)",
			taskID, state.SlotCount, state.TotalWaitTime)
	}
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (s *Scheduler) Acquire(ctx context.Context, taskID string) error {
	s.mu.Lock()
	state, ok := s.taskStates[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not registered with scheduler", taskID)
	}
	state.Phase = PhaseWaitingForSlot
	waitStart := time.Now()
	s.waitQueue = append(s.waitQueue, &waitingEntry{taskID: taskID, waitStart: waitStart})
	s.mu.Unlock()

	atomic.AddInt32(&s.currentlyWaiting, 1)
	defer atomic.AddInt32(&s.currentlyWaiting, -1)

	if len(s.slots) >= s.config.MaxConcurrentTasks {
		logging.SchedulerDebug("task %s waiting for slot (active=%d/%d)",
			taskID, len(s.slots), s.config.MaxConcurrentTasks)
	}

	waitCtx := ctx
	var waitCancel context.CancelFunc
	if timeout := s.config.SlotAcquireTimeout; timeout > 0 {
		if deadline, hasDeadline := ctx.Deadline(); !hasDeadline || time.Until(deadline) > timeout {
			waitCtx, waitCancel = context.WithTimeout(ctx, timeout)
		}
	}
	if waitCancel != nil {
		defer waitCancel()
	}

	select {
	case s.slots <- struct{}{}:
		waitDuration := time.Since(waitStart)

		s.mu.Lock()
		state.Phase = PhaseExecuting
		state.TotalWaitTime += waitDuration
		state.LastAcquire = time.Now()
		s.removeFromWaitQueue(taskID)
		s.mu.Unlock()

		atomic.AddInt64(&s.totalWaitTime, int64(waitDuration))
		atomic.AddInt32(&s.currentlyExecuting, 1)
		return nil

	case <-waitCtx.Done():
		s.mu.Lock()
		state.Phase = PhaseFailed
		state.Error = waitCtx.Err()
		s.removeFromWaitQueue(taskID)
		s.mu.Unlock()
		logging.Get(logging.CategoryScheduler).Warn("task %s cancelled while waiting for slot (waited %v)",
			taskID, time.Since(waitStart))
		return waitCtx.Err()

	case <-s.stopCh:
		s.mu.Lock()
		s.removeFromWaitQueue(taskID)
		s.mu.Unlock()
		return fmt.Errorf("scheduler stopped")
	}
}

func (s *Scheduler) removeFromWaitQueue(taskID string) {
	for i, e := range s.waitQueue {
		if e.taskID == taskID {
			s.waitQueue = append(s.waitQueue[:i], s.waitQueue[i+1:]...)
			break
		}
	}
}

// Release returns a slot to the pool after a task finishes a unit of work.
func (s *Scheduler) Release(taskID string) {
	select {
	case <-s.slots:
	default:
		logging.Get(logging.CategoryScheduler).Error("task %s released a slot it didn't hold", taskID)
		return
	}

	atomic.AddInt32(&s.currentlyExecuting, -1)
	atomic.AddInt64(&s.totalAcquisitions, 1)

	s.mu.Lock()
	if state, ok := s.taskStates[taskID]; ok {
		state.Phase = PhaseProcessingResult
		state.SlotCount++
	}
	s.mu.Unlock()
}

// State returns a copy of a task's scheduling state.
func (s *Scheduler) State(taskID string) (TaskState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.taskStates[taskID]
	if !ok {
		return TaskState{}, false
	}
	return *state, true
}

// Metrics reports current scheduler occupancy for observability.
type Metrics struct {
	MaxSlots           int
	ActiveSlots        int
	WaitingForSlot     int
	TotalAcquisitions  int64
	TotalWaitTimeNs    int64
	RegisteredTasks    int
	WaitingTasks       int
	PhaseDistribution  map[Phase]int
}

func (s *Scheduler) Metrics() Metrics {
	s.mu.RLock()
	phases := make(map[Phase]int)
	for _, state := range s.taskStates {
		phases[state.Phase]++
	}
	registered := len(s.taskStates)
	waiting := len(s.waitQueue)
	s.mu.RUnlock()

	return Metrics{
		MaxSlots:          s.config.MaxConcurrentTasks,
		ActiveSlots:       int(atomic.LoadInt32(&s.currentlyExecuting)),
		WaitingForSlot:    int(atomic.LoadInt32(&s.currentlyWaiting)),
		TotalAcquisitions: atomic.LoadInt64(&s.totalAcquisitions),
		TotalWaitTimeNs:   atomic.LoadInt64(&s.totalWaitTime),
		RegisteredTasks:   registered,
		WaitingTasks:      waiting,
		PhaseDistribution: phases,
	}
}

func (m Metrics) String() string {
	avgWait := time.Duration(0)
	if m.TotalAcquisitions > 0 {
		avgWait = time.Duration(m.TotalWaitTimeNs / m.TotalAcquisitions)
	}
	return fmt.Sprintf("slots=%d/%d waiting=%d acquisitions=%d avg_wait=%v tasks=%d",
		m.ActiveSlots, m.MaxSlots, m.WaitingForSlot, m.TotalAcquisitions, avgWait, m.RegisteredTasks)
}

// Stop shuts down the scheduler, releasing any goroutines blocked in Acquire.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
