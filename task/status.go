package task

// Status is a task's lifecycle state. Only the task's runner mutates it;
// everything else observes through Task.Status and the event bus.
type Status string

const (
	// StatusPending means the task has not started
	StatusPending Status = "PENDING"
	// StatusProcessing means the task is executing
	StatusProcessing Status = "PROCESSING"
	// StatusStreaming means the task is emitting stream events
	StatusStreaming Status = "STREAMING"
	// StatusCompleted means the task finished successfully
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the task ended with an error
	StatusFailed Status = "FAILED"
	// StatusAborting means cancellation was requested and is settling
	StatusAborting Status = "ABORTING"
	// StatusDisabled means the task is excluded from execution
	StatusDisabled Status = "DISABLED"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// legalTransitions encodes the task state machine. Terminal states may
// return to PENDING when a graph is reset for re-running; PENDING may move
// straight to ABORTING when a graph is cancelled before the task started.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusAborting, StatusDisabled},
	StatusProcessing: {StatusStreaming, StatusCompleted, StatusFailed, StatusAborting},
	StatusStreaming:  {StatusCompleted, StatusFailed, StatusAborting},
	StatusAborting:   {StatusFailed},
	StatusCompleted:  {StatusPending},
	StatusFailed:     {StatusPending},
	StatusDisabled:   {StatusPending},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
