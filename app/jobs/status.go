package jobs

import "slices"

// Status is the lifecycle state of a job or one of its stages
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusStarted  Status = "STARTED"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusRetry    Status = "RETRY"
	StatusRevoked  Status = "REVOKED"
	StatusReceived Status = "RECEIVED"
	StatusUnknown  Status = "UNKNOWN"
)

var (
	FinalStates   = []Status{StatusSuccess, StatusFailure, StatusRevoked, StatusUnknown}
	RunningStates = []Status{StatusPending, StatusStarted, StatusRetry, StatusReceived}
)

func (s Status) IsFinal() bool {
	return slices.Contains(FinalStates, s)
}

func (s Status) IsRunning() bool {
	return slices.Contains(RunningStates, s)
}

func (s Status) Valid() bool {
	return s == StatusCreated || s.IsFinal() || s.IsRunning()
}

// DispatchMode selects where a job's work executes
type DispatchMode string

const (
	// DispatchInternal runs entirely inside the worker process
	DispatchInternal DispatchMode = "internal"
	// DispatchSyncAPI calls a processing service and waits for each batch
	DispatchSyncAPI DispatchMode = "sync_api"
	// DispatchAsyncAPI publishes per-item tasks for external workers to pull
	DispatchAsyncAPI DispatchMode = "async_api"
)

func (d DispatchMode) Valid() bool {
	switch d {
	case DispatchInternal, DispatchSyncAPI, DispatchAsyncAPI:
		return true
	}
	return false
}
