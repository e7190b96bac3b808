package npu

import "context"

// Scheduler accepts task submissions, tracks their status and reports
// aggregate usage across the devices it is bound to.
//
// Submission is asynchronous: SubmitTask admits or rejects the task and
// returns immediately; dispatch to a device happens on a separate
// execution path. Only admission-time constraint violations fail
// synchronously; execution failures surface through the task's terminal
// status.
type Scheduler interface {
	// SubmitTask admits a task, assigns it a unique id and enqueues it.
	// When no device satisfies the task's hard constraints it fails with
	// ErrInsufficientResources and the task is never enqueued.
	SubmitTask(ctx context.Context, task InferenceTask) (TaskID, error)

	// CancelTask cancels a queued task immediately, or signals a running
	// task's device to abort cooperatively. Cancelling an unknown or
	// already-terminal task is a no-op.
	CancelTask(ctx context.Context, id TaskID) error

	// TaskStatus returns the status of a task, or false for unknown ids.
	TaskStatus(id TaskID) (TaskStatus, bool)

	// TaskResult returns the response of a completed task, or false when
	// the task is unknown or not completed.
	TaskResult(id TaskID) (*InferenceResponse, bool)

	// TaskAllocation returns the resource allocation produced for a task
	// at admission, or false for unknown ids.
	TaskAllocation(id TaskID) (ResourceAllocation, bool)

	// UsageStats recomputes the aggregate usage snapshot from current
	// state.
	UsageStats(ctx context.Context) UsageStats

	// Close stops dispatching and waits for in-flight work to settle.
	Close()
}
