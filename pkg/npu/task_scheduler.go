package npu

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxQueueDepth = 256
	defaultTaskTimeout   = 30 * time.Second
	completionWindow     = time.Minute
)

// SchedulerConfig tunes the default task scheduler.
type SchedulerConfig struct {
	// MaxQueueDepth caps the number of queued tasks per device. Zero
	// selects the package default.
	MaxQueueDepth int

	// DefaultTimeout applies to tasks that carry no timeout of their own.
	// Zero selects the package default.
	DefaultTimeout time.Duration
}

type completionRecord struct {
	finished time.Time
	elapsed  time.Duration
	device   DeviceID
}

// trackedTask is the scheduler's view of one submitted task. State
// transitions happen under the owning scheduler's mutex; the terminality
// invariant is enforced in setState.
type trackedTask struct {
	task       InferenceTask
	allocation ResourceAllocation
	state      TaskState
	reason     string
	response   *InferenceResponse
	cancel     context.CancelFunc
	released   bool
	seq        uint64
	started    time.Time
}

// taskHeap orders tasks by priority, then submission order.
type taskHeap []*trackedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*trackedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// deviceQueue holds the pending tasks for one device and feeds its
// dispatcher goroutine.
type deviceQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending taskHeap
	running int
	closed  bool
}

func newDeviceQueue() *deviceQueue {
	q := &deviceQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *deviceQueue) push(t *trackedTask) {
	q.mu.Lock()
	heap.Push(&q.pending, t)
	q.mu.Unlock()
	q.cond.Signal()
}

// next blocks until a task is available or the queue is closed.
func (q *deviceQueue) next() *trackedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil
	}
	return heap.Pop(&q.pending).(*trackedTask)
}

func (q *deviceQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// load counts queued plus running tasks assigned to the device.
func (q *deviceQueue) load() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.running
}

func (q *deviceQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

var _ Scheduler = (*taskScheduler)(nil)

// taskScheduler is the default Scheduler. One dispatcher goroutine runs
// per device; devices whose capabilities allow concurrent inference get
// their tasks launched without waiting for the previous one to finish,
// all other devices are drained one task at a time.
type taskScheduler struct {
	registry       *Registry
	logger         zerolog.Logger
	maxQueueDepth  int
	defaultTimeout time.Duration

	mu          sync.Mutex
	nextID      TaskID
	tasks       map[TaskID]*trackedTask
	queues      map[DeviceID]*deviceQueue
	committed   map[DeviceID]uint64
	completions []completionRecord
	closed      bool

	wg sync.WaitGroup
}

// NewTaskScheduler builds the default scheduler bound to the given device
// registry. The registry reference is shared: devices added after
// construction become eligible for new submissions.
func NewTaskScheduler(registry *Registry, cfg SchedulerConfig, logger zerolog.Logger) Scheduler {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTaskTimeout
	}
	return &taskScheduler{
		registry:       registry,
		logger:         logger,
		maxQueueDepth:  cfg.MaxQueueDepth,
		defaultTimeout: cfg.DefaultTimeout,
		tasks:          make(map[TaskID]*trackedTask),
		queues:         make(map[DeviceID]*deviceQueue),
		committed:      make(map[DeviceID]uint64),
	}
}

func (s *taskScheduler) SubmitTask(ctx context.Context, task InferenceTask) (TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("%w: scheduler is closed", ErrDeviceUnavailable)
	}

	device, err := s.selectDeviceLocked(ctx, task)
	if err != nil {
		return 0, err
	}

	queue := s.queueForLocked(device)
	if queue.depth() >= s.maxQueueDepth {
		return 0, fmt.Errorf("%w: device %s queue is full", ErrInsufficientResources, device.ID())
	}

	s.nextID++
	id := s.nextID

	timeout := task.Request.Timeout
	if timeout <= 0 {
		timeout = task.ResourceRequirements.Timeout
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	allocation := ResourceAllocation{
		DeviceID:         device.ID(),
		ComputeUnits:     task.ResourceRequirements.ComputeUnits,
		MemoryBytes:      task.ResourceRequirements.MemoryBytes,
		PowerBudgetWatts: task.ResourceRequirements.PowerBudgetWatts,
		Timeout:          timeout,
	}
	if allocation.PowerBudgetWatts <= 0 {
		allocation.PowerBudgetWatts = device.Capabilities().Performance.PowerWatts
	}

	tracked := &trackedTask{
		task:       task,
		allocation: allocation,
		state:      TaskStateQueued,
		seq:        uint64(id),
	}
	tracked.task.ID = id

	s.tasks[id] = tracked
	s.committed[device.ID()] += allocation.MemoryBytes
	queue.push(tracked)

	s.logger.Debug().
		Uint64("task", uint64(id)).
		Str("device", device.ID().String()).
		Str("priority", task.Priority.String()).
		Msg("task admitted")

	return id, nil
}

// selectDeviceLocked applies hard constraints, then preference, then the
// least-loaded/device-id tiebreak. Returns ErrInsufficientResources when
// no device survives the hard filter.
func (s *taskScheduler) selectDeviceLocked(ctx context.Context, task InferenceTask) (Device, error) {
	avoid := make(map[DeviceID]struct{}, len(task.SchedulingHints.AvoidDevices))
	for _, id := range task.SchedulingHints.AvoidDevices {
		avoid[id] = struct{}{}
	}

	var eligible []Device
	for _, device := range s.registry.GetAllDevices() {
		if _, avoided := avoid[device.ID()]; avoided {
			continue
		}
		if !device.IsAvailable(ctx) {
			continue
		}
		caps := device.Capabilities()
		if !hasComputeUnits(caps, task.ResourceRequirements.ComputeUnits) {
			continue
		}
		if mt := task.SchedulingHints.RequiredMemoryType; mt != "" && !caps.SupportsMemoryType(mt) {
			continue
		}
		if need := task.ResourceRequirements.MemoryBytes; need > 0 {
			if need > caps.AvailableMemory()-s.committed[device.ID()] {
				continue
			}
		}
		eligible = append(eligible, device)
	}

	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no device satisfies task constraints", ErrInsufficientResources)
	}

	// Soft preferences: explicitly preferred devices first, then devices
	// meeting the minimum throughput hint. Fall back to all eligible
	// devices when a preference matches nothing.
	candidates := filterByIDs(eligible, task.SchedulingHints.PreferredDevices)
	if len(candidates) == 0 {
		candidates = eligible
	}
	if minTOPS := task.SchedulingHints.MinTOPS; minTOPS > 0 {
		fast := filterByTOPS(candidates, minTOPS)
		if len(fast) > 0 {
			candidates = fast
		}
	}
	if maxLatency := task.SchedulingHints.MaxLatency; maxLatency > 0 {
		meets := s.filterByLatencyLocked(candidates, maxLatency)
		if len(meets) > 0 {
			candidates = meets
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		loadI := s.loadLocked(candidates[i].ID())
		loadJ := s.loadLocked(candidates[j].ID())
		if loadI != loadJ {
			return loadI < loadJ
		}
		return candidates[i].ID() < candidates[j].ID()
	})

	return candidates[0], nil
}

func hasComputeUnits(caps *Capabilities, units []ComputeUnit) bool {
	for _, unit := range units {
		if !caps.HasComputeUnit(unit) {
			return false
		}
	}
	return true
}

func filterByIDs(devices []Device, ids []DeviceID) []Device {
	if len(ids) == 0 {
		return nil
	}
	wanted := make(map[DeviceID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var matched []Device
	for _, device := range devices {
		if _, ok := wanted[device.ID()]; ok {
			matched = append(matched, device)
		}
	}
	return matched
}

func filterByTOPS(devices []Device, minTOPS float64) []Device {
	var matched []Device
	for _, device := range devices {
		if device.Capabilities().Performance.SustainedTOPS >= minTOPS {
			matched = append(matched, device)
		}
	}
	return matched
}

// filterByLatencyLocked keeps devices whose queue is expected to drain a
// new task within the bound, estimated as (load+1) times the device's
// recent mean task time. Devices with no recent completions always pass.
func (s *taskScheduler) filterByLatencyLocked(devices []Device, maxLatency time.Duration) []Device {
	var matched []Device
	for _, device := range devices {
		mean := s.meanTaskTimeLocked(device.ID())
		if mean == 0 || time.Duration(s.loadLocked(device.ID())+1)*mean <= maxLatency {
			matched = append(matched, device)
		}
	}
	return matched
}

func (s *taskScheduler) meanTaskTimeLocked(id DeviceID) time.Duration {
	var total time.Duration
	var count int
	for _, record := range s.completions {
		if record.device == id {
			total += record.elapsed
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

func (s *taskScheduler) loadLocked(id DeviceID) int {
	queue, ok := s.queues[id]
	if !ok {
		return 0
	}
	return queue.load()
}

// queueForLocked returns the device's queue, starting its dispatcher on
// first use.
func (s *taskScheduler) queueForLocked(device Device) *deviceQueue {
	queue, ok := s.queues[device.ID()]
	if ok {
		return queue
	}
	queue = newDeviceQueue()
	s.queues[device.ID()] = queue
	s.wg.Add(1)
	go s.dispatchLoop(device, queue)
	return queue
}

func (s *taskScheduler) dispatchLoop(device Device, queue *deviceQueue) {
	defer s.wg.Done()
	concurrent := device.Capabilities().SupportsConcurrentInference()
	for {
		tracked := queue.next()
		if tracked == nil {
			return
		}
		if concurrent {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runTask(device, queue, tracked)
			}()
		} else {
			s.runTask(device, queue, tracked)
		}
	}
}

func (s *taskScheduler) runTask(device Device, queue *deviceQueue, tracked *trackedTask) {
	s.mu.Lock()
	if tracked.state != TaskStateQueued {
		// Cancelled while waiting in the queue.
		s.releaseLocked(tracked)
		s.mu.Unlock()
		return
	}
	tracked.state = TaskStateRunning
	tracked.started = time.Now()
	cancelCtx, cancel := context.WithCancel(context.Background())
	tracked.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	queue.mu.Lock()
	queue.running++
	queue.mu.Unlock()
	defer func() {
		queue.mu.Lock()
		queue.running--
		queue.mu.Unlock()
	}()

	execCtx, cancelTimeout := context.WithTimeout(cancelCtx, tracked.allocation.Timeout)
	defer cancelTimeout()

	response, err := device.ExecuteInference(execCtx, tracked.task.Request)
	elapsed := time.Since(tracked.started)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.releaseLocked(tracked)

	switch {
	case err == nil:
		s.setStateLocked(tracked, TaskStateCompleted, "")
		tracked.response = response
		s.completions = append(s.completions, completionRecord{finished: time.Now(), elapsed: elapsed, device: device.ID()})
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
		s.setStateLocked(tracked, TaskStateTimedOut, "")
		s.logger.Warn().
			Uint64("task", uint64(tracked.task.ID)).
			Str("device", device.ID().String()).
			Dur("timeout", tracked.allocation.Timeout).
			Msg("task timed out")
	case errors.Is(err, context.Canceled) || errors.Is(cancelCtx.Err(), context.Canceled):
		s.setStateLocked(tracked, TaskStateCancelled, "")
	default:
		s.setStateLocked(tracked, TaskStateFailed, err.Error())
		s.logger.Err(err).
			Uint64("task", uint64(tracked.task.ID)).
			Str("device", device.ID().String()).
			Msg("task failed")
	}
}

// setStateLocked enforces the terminality invariant: a task in a terminal
// state never transitions again.
func (s *taskScheduler) setStateLocked(tracked *trackedTask, state TaskState, reason string) {
	if tracked.state.Terminal() {
		return
	}
	tracked.state = state
	tracked.reason = reason
}

// releaseLocked returns the task's device-side resources to the pool.
// Safe to call more than once.
func (s *taskScheduler) releaseLocked(tracked *trackedTask) {
	if tracked.released {
		return
	}
	tracked.released = true
	id := tracked.allocation.DeviceID
	if s.committed[id] >= tracked.allocation.MemoryBytes {
		s.committed[id] -= tracked.allocation.MemoryBytes
	} else {
		s.committed[id] = 0
	}
}

func (s *taskScheduler) CancelTask(ctx context.Context, id TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.tasks[id]
	if !ok || tracked.state.Terminal() {
		// Unknown and already-terminal ids are a no-op.
		return nil
	}

	switch tracked.state {
	case TaskStateQueued:
		s.setStateLocked(tracked, TaskStateCancelled, "")
		s.releaseLocked(tracked)
	case TaskStateRunning:
		// Cooperative: signal the device through the task context. The
		// task becomes Cancelled when the dispatcher observes the aborted
		// execution; a natural completion that races ahead of the signal
		// keeps its real outcome.
		tracked.cancel()
	}
	return nil
}

func (s *taskScheduler) TaskStatus(id TaskID) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, false
	}
	return TaskStatus{State: tracked.state, Reason: tracked.reason}, true
}

func (s *taskScheduler) TaskResult(id TaskID) (*InferenceResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.tasks[id]
	if !ok || tracked.response == nil {
		return nil, false
	}
	return tracked.response, true
}

func (s *taskScheduler) TaskAllocation(id TaskID) (ResourceAllocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.tasks[id]
	if !ok {
		return ResourceAllocation{}, false
	}
	return tracked.allocation, true
}

func (s *taskScheduler) UsageStats(ctx context.Context) UsageStats {
	devices := s.registry.GetAllDevices()

	stats := UsageStats{TotalDevices: len(devices)}
	var utilization float64
	var totalMemory uint64
	for _, device := range devices {
		if device.IsAvailable(ctx) {
			stats.ActiveDevices++
		}
		utilization += device.Utilization(ctx)
		totalMemory += device.Capabilities().AvailableMemory()
		if health, err := device.Health(ctx); err == nil {
			stats.PowerConsumptionWatts += float64(health.PowerWatts)
		}
	}
	if len(devices) > 0 {
		stats.ComputeUtilization = utilization / float64(len(devices))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var committed uint64
	for _, bytes := range s.committed {
		committed += bytes
	}
	if totalMemory > 0 {
		stats.MemoryUtilization = float64(committed) / float64(totalMemory)
	}

	for _, tracked := range s.tasks {
		if tracked.state == TaskStateQueued {
			stats.QueuedTasks++
		}
	}

	s.pruneCompletionsLocked(time.Now())
	var totalElapsed time.Duration
	for _, record := range s.completions {
		totalElapsed += record.elapsed
	}
	stats.TasksCompletedLastMinute = uint64(len(s.completions))
	if len(s.completions) > 0 {
		stats.AverageTaskTime = totalElapsed / time.Duration(len(s.completions))
	}

	return stats
}

func (s *taskScheduler) pruneCompletionsLocked(now time.Time) {
	cutoff := now.Add(-completionWindow)
	kept := s.completions[:0]
	for _, record := range s.completions {
		if record.finished.After(cutoff) {
			kept = append(kept, record)
		}
	}
	s.completions = kept
}

func (s *taskScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queues := make([]*deviceQueue, 0, len(s.queues))
	for _, queue := range s.queues {
		queues = append(queues, queue)
	}
	s.mu.Unlock()

	for _, queue := range queues {
		queue.close()
	}
	s.wg.Wait()
}
