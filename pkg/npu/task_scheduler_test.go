package npu

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedulerWithDevices(t *testing.T, cfg SchedulerConfig, devices ...Device) Scheduler {
	t.Helper()
	registry := NewRegistry(zerolog.Nop())
	for _, d := range devices {
		registry.AddDevice(d)
	}
	registry.InitAllDevices(context.Background())
	sched := NewTaskScheduler(registry, cfg, zerolog.Nop())
	t.Cleanup(sched.Close)
	return sched
}

func float32Task(priority Priority, values ...float32) InferenceTask {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return InferenceTask{
		Priority: priority,
		Request: InferenceRequest{
			ModelPath: "/models/test.onnx",
			Inputs: []InferenceInput{{
				Data:     buf,
				Shape:    []uint64{1, uint64(len(values))},
				DataType: DataTypeFloat32,
			}},
			Priority: priority,
		},
	}
}

type taskStatusReporter interface {
	TaskStatus(id TaskID) (TaskStatus, bool)
}

func waitForState(t *testing.T, sched taskStatusReporter, id TaskID, want TaskState) TaskStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := sched.TaskStatus(id)
		require.True(t, ok, "task %d disappeared", id)
		if status.State == want {
			return status
		}
		if status.State.Terminal() {
			t.Fatalf("task %d reached %s, want %s (reason %q)", id, status.State, want, status.Reason)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %d never reached %s", id, want)
	return TaskStatus{}
}

func TestSubmitAssignsUniqueIDs(t *testing.T) {
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, NewMockDevice("npu-0", nil))

	seen := make(map[TaskID]struct{})
	for i := 0; i < 10; i++ {
		id, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1, 2))
		require.NoError(t, err)
		_, dup := seen[id]
		assert.False(t, dup, "task id %d issued twice", id)
		seen[id] = struct{}{}

		// Admission makes the task visible immediately.
		_, ok := sched.TaskStatus(id)
		assert.True(t, ok)
	}
}

func TestTensorCoreTaskRunsOnMatchingDevice(t *testing.T) {
	device := NewMockDevice("npu-0", nil)
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	task := float32Task(PriorityNormal, 1, 2, 3, 4)
	task.ResourceRequirements = ResourceAllocation{
		ComputeUnits: []ComputeUnit{ComputeUnitTensorCore},
		MemoryBytes:  1 << 20,
	}

	id, err := sched.SubmitTask(context.Background(), task)
	require.NoError(t, err)

	alloc, ok := sched.TaskAllocation(id)
	require.True(t, ok)
	assert.Equal(t, DeviceID("npu-0"), alloc.DeviceID)
	assert.Equal(t, uint64(1<<20), alloc.MemoryBytes)

	waitForState(t, sched, id, TaskStateCompleted)
	result, ok := sched.TaskResult(id)
	require.True(t, ok)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, []uint64{1, 4}, result.Outputs[0].Shape)
	assert.Equal(t, DeviceID("npu-0"), result.DeviceID)
}

func TestSubmitRejectsInfeasibleTask(t *testing.T) {
	tests := []struct {
		description string
		mutate      func(*InferenceTask)
	}{
		{
			description: "every device avoided",
			mutate: func(task *InferenceTask) {
				task.SchedulingHints.AvoidDevices = []DeviceID{"npu-0"}
			},
		},
		{
			description: "missing compute unit",
			mutate: func(task *InferenceTask) {
				task.ResourceRequirements.ComputeUnits = []ComputeUnit{ComputeUnitCustomAccelerator}
			},
		},
		{
			description: "memory demand above capacity",
			mutate: func(task *InferenceTask) {
				task.ResourceRequirements.MemoryBytes = 64 << 30
			},
		},
		{
			description: "unsupported memory type",
			mutate: func(task *InferenceTask) {
				task.SchedulingHints.RequiredMemoryType = MemoryTypeHBM
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			sched := newSchedulerWithDevices(t, SchedulerConfig{}, NewMockDevice("npu-0", nil))

			task := float32Task(PriorityNormal, 1)
			tc.mutate(&task)

			id, err := sched.SubmitTask(context.Background(), task)
			require.ErrorIs(t, err, ErrInsufficientResources)
			assert.Zero(t, id)

			// A rejected task leaves no trace.
			stats := sched.UsageStats(context.Background())
			assert.Zero(t, stats.QueuedTasks)
		})
	}
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	caps := DefaultCapabilities()
	caps.Compute.ConcurrentInference = false

	gate := make(chan struct{})
	started := make(chan string, 8)
	device := NewMockDevice("npu-0", caps)
	device.Gate = gate
	device.OnExecute = func(req InferenceRequest) {
		started <- req.ModelPath
	}

	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	blocker := float32Task(PriorityNormal, 1)
	blocker.Request.ModelPath = "blocker"
	_, err := sched.SubmitTask(context.Background(), blocker)
	require.NoError(t, err)

	// Wait until the blocker occupies the device so the rest queue up
	// behind it.
	require.Equal(t, "blocker", <-started)

	for _, tc := range []struct {
		model    string
		priority Priority
	}{
		{"low", PriorityLow},
		{"normal", PriorityNormal},
		{"critical", PriorityCritical},
	} {
		task := float32Task(tc.priority, 1)
		task.Request.ModelPath = tc.model
		_, err := sched.SubmitTask(context.Background(), task)
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		gate <- struct{}{}
		order = append(order, <-started)
	}
	gate <- struct{}{}

	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestEqualPrioritySubmissionOrderIsKept(t *testing.T) {
	caps := DefaultCapabilities()
	caps.Compute.ConcurrentInference = false

	gate := make(chan struct{})
	started := make(chan string, 8)
	device := NewMockDevice("npu-0", caps)
	device.Gate = gate
	device.OnExecute = func(req InferenceRequest) {
		started <- req.ModelPath
	}

	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	blocker := float32Task(PriorityNormal, 1)
	blocker.Request.ModelPath = "blocker"
	_, err := sched.SubmitTask(context.Background(), blocker)
	require.NoError(t, err)
	require.Equal(t, "blocker", <-started)

	for _, model := range []string{"first", "second", "third"} {
		task := float32Task(PriorityNormal, 1)
		task.Request.ModelPath = model
		_, err := sched.SubmitTask(context.Background(), task)
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		gate <- struct{}{}
		order = append(order, <-started)
	}
	gate <- struct{}{}

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestCommittedMemoryBlocksOverSubscription(t *testing.T) {
	caps := DefaultCapabilities() // 4 GiB total
	caps.Memory.MaxAllocationBytes = caps.Memory.TotalMemoryBytes

	gate := make(chan struct{})
	started := make(chan string, 2)
	device := NewMockDevice("npu-0", caps)
	device.Gate = gate
	device.OnExecute = func(req InferenceRequest) {
		started <- req.ModelPath
	}

	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	big := float32Task(PriorityNormal, 1)
	big.ResourceRequirements.MemoryBytes = 3 << 30
	firstID, err := sched.SubmitTask(context.Background(), big)
	require.NoError(t, err)
	<-started

	// 3 GiB of 4 GiB is committed, a second 3 GiB task cannot fit.
	_, err = sched.SubmitTask(context.Background(), big)
	require.ErrorIs(t, err, ErrInsufficientResources)

	gate <- struct{}{}
	waitForState(t, sched, firstID, TaskStateCompleted)

	// Completion returns the committed memory.
	_, err = sched.SubmitTask(context.Background(), big)
	require.NoError(t, err)
	gate <- struct{}{}
}

func TestQueueDepthLimit(t *testing.T) {
	caps := DefaultCapabilities()
	caps.Compute.ConcurrentInference = false

	gate := make(chan struct{})
	started := make(chan string, 4)
	device := NewMockDevice("npu-0", caps)
	device.Gate = gate
	device.OnExecute = func(req InferenceRequest) {
		started <- req.ModelPath
	}

	sched := newSchedulerWithDevices(t, SchedulerConfig{MaxQueueDepth: 1}, device)

	_, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)
	<-started // running, queue empty again

	_, err = sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)

	_, err = sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.ErrorIs(t, err, ErrInsufficientResources)

	gate <- struct{}{}
	gate <- struct{}{}
}

func TestTaskTimeout(t *testing.T) {
	device := NewMockDevice("npu-0", nil)
	device.ExecDelay = time.Second

	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	task := float32Task(PriorityNormal, 1)
	task.Request.Timeout = 20 * time.Millisecond
	id, err := sched.SubmitTask(context.Background(), task)
	require.NoError(t, err)

	waitForState(t, sched, id, TaskStateTimedOut)
	_, ok := sched.TaskResult(id)
	assert.False(t, ok)
}

func TestCancelRunningTask(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan string, 1)
	device := NewMockDevice("npu-0", nil)
	device.Gate = gate
	device.OnExecute = func(req InferenceRequest) {
		started <- req.ModelPath
	}

	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	id, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)
	<-started
	waitForState(t, sched, id, TaskStateRunning)

	require.NoError(t, sched.CancelTask(context.Background(), id))
	status := waitForState(t, sched, id, TaskStateCancelled)
	assert.Equal(t, TaskStateCancelled, status.State)
}

func TestCancelQueuedTask(t *testing.T) {
	caps := DefaultCapabilities()
	caps.Compute.ConcurrentInference = false

	gate := make(chan struct{})
	started := make(chan string, 2)
	device := NewMockDevice("npu-0", caps)
	device.Gate = gate
	device.OnExecute = func(req InferenceRequest) {
		started <- req.ModelPath
	}

	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	_, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)
	<-started

	queuedID, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)

	require.NoError(t, sched.CancelTask(context.Background(), queuedID))
	status, ok := sched.TaskStatus(queuedID)
	require.True(t, ok)
	assert.Equal(t, TaskStateCancelled, status.State)

	gate <- struct{}{}
}

func TestTerminalStateIsStable(t *testing.T) {
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, NewMockDevice("npu-0", nil))

	id, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)
	waitForState(t, sched, id, TaskStateCompleted)

	// Cancelling after completion changes nothing.
	require.NoError(t, sched.CancelTask(context.Background(), id))
	status, ok := sched.TaskStatus(id)
	require.True(t, ok)
	assert.Equal(t, TaskStateCompleted, status.State)
	_, ok = sched.TaskResult(id)
	assert.True(t, ok)
}

func TestCancelUnknownTaskIsNoop(t *testing.T) {
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, NewMockDevice("npu-0", nil))
	assert.NoError(t, sched.CancelTask(context.Background(), 12345))
}

func TestFailedTaskCarriesReason(t *testing.T) {
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, NewMockDevice("npu-0", nil))

	task := float32Task(PriorityNormal, 1)
	task.Request.Inputs[0].Shape = []uint64{3, 3} // does not match data size

	id, err := sched.SubmitTask(context.Background(), task)
	require.NoError(t, err)

	status := waitForState(t, sched, id, TaskStateFailed)
	assert.NotEmpty(t, status.Reason)
}

func TestPreferredDeviceWins(t *testing.T) {
	devA := NewMockDevice("npu-a", nil)
	devB := NewMockDevice("npu-b", nil)
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, devA, devB)

	task := float32Task(PriorityNormal, 1)
	task.SchedulingHints.PreferredDevices = []DeviceID{"npu-b"}

	id, err := sched.SubmitTask(context.Background(), task)
	require.NoError(t, err)
	alloc, ok := sched.TaskAllocation(id)
	require.True(t, ok)
	assert.Equal(t, DeviceID("npu-b"), alloc.DeviceID)
}

func TestMinTOPSPreference(t *testing.T) {
	slow := NewMockDevice("npu-slow", nil)
	fastCaps := DefaultCapabilities()
	fastCaps.Performance.SustainedTOPS = 50.0
	fast := NewMockDevice("npu-fast", fastCaps)
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, slow, fast)

	task := float32Task(PriorityNormal, 1)
	task.SchedulingHints.MinTOPS = 10.0

	id, err := sched.SubmitTask(context.Background(), task)
	require.NoError(t, err)
	alloc, ok := sched.TaskAllocation(id)
	require.True(t, ok)
	assert.Equal(t, DeviceID("npu-fast"), alloc.DeviceID)
}

func TestMaxLatencyPreference(t *testing.T) {
	slow := NewMockDevice("npu-a", nil)
	slow.ExecDelay = 150 * time.Millisecond
	fast := NewMockDevice("npu-b", nil)
	sched := newSchedulerWithDevices(t, SchedulerConfig{}, slow, fast)

	// Give both devices a completion record so their mean task times
	// differ when the latency bound is evaluated.
	for _, target := range []DeviceID{"npu-a", "npu-b"} {
		warm := float32Task(PriorityNormal, 1)
		warm.SchedulingHints.PreferredDevices = []DeviceID{target}
		id, err := sched.SubmitTask(context.Background(), warm)
		require.NoError(t, err)
		waitForState(t, sched, id, TaskStateCompleted)
	}

	// Without a bound the idle devices tie on load and the lowest id wins.
	plain := float32Task(PriorityNormal, 1)
	plainID, err := sched.SubmitTask(context.Background(), plain)
	require.NoError(t, err)
	alloc, ok := sched.TaskAllocation(plainID)
	require.True(t, ok)
	assert.Equal(t, DeviceID("npu-a"), alloc.DeviceID)
	waitForState(t, sched, plainID, TaskStateCompleted)

	// A 50ms bound rules out the device averaging 150ms per task.
	bounded := float32Task(PriorityNormal, 1)
	bounded.SchedulingHints.MaxLatency = 50 * time.Millisecond
	boundedID, err := sched.SubmitTask(context.Background(), bounded)
	require.NoError(t, err)
	alloc, ok = sched.TaskAllocation(boundedID)
	require.True(t, ok)
	assert.Equal(t, DeviceID("npu-b"), alloc.DeviceID)
}

func TestUsageStatsReflectsActivity(t *testing.T) {
	caps := DefaultCapabilities()
	caps.Compute.ConcurrentInference = false

	gate := make(chan struct{})
	started := make(chan string, 2)
	device := NewMockDevice("npu-0", caps)
	device.Gate = gate
	device.OnExecute = func(req InferenceRequest) {
		started <- req.ModelPath
	}

	sched := newSchedulerWithDevices(t, SchedulerConfig{}, device)

	stats := sched.UsageStats(context.Background())
	assert.Equal(t, 1, stats.TotalDevices)
	assert.Equal(t, 1, stats.ActiveDevices)
	assert.Zero(t, stats.QueuedTasks)

	firstID, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)
	<-started
	_, err = sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.NoError(t, err)

	stats = sched.UsageStats(context.Background())
	assert.Equal(t, 1, stats.QueuedTasks)

	gate <- struct{}{}
	waitForState(t, sched, firstID, TaskStateCompleted)
	gate <- struct{}{}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats = sched.UsageStats(context.Background())
		if stats.TasksCompletedLastMinute >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, stats.TasksCompletedLastMinute, uint64(1))
}

func TestSubmitAfterClose(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	registry.AddDevice(NewMockDevice("npu-0", nil))
	sched := NewTaskScheduler(registry, SchedulerConfig{}, zerolog.Nop())
	sched.Close()

	_, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1))
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	// Close is idempotent.
	sched.Close()
}

func TestConcurrentSubmissions(t *testing.T) {
	sched := newSchedulerWithDevices(t, SchedulerConfig{},
		NewMockDevice("npu-0", nil), NewMockDevice("npu-1", nil))

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	ids := make(chan TaskID, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := sched.SubmitTask(context.Background(), float32Task(PriorityNormal, 1, 2))
				if err == nil {
					ids <- id
				}
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[TaskID]struct{})
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
		waitForState(t, sched, id, TaskStateCompleted)
	}
	assert.Len(t, seen, workers*perWorker)
}
