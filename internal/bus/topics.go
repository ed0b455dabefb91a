package bus

// Dispatch lifecycle topics.
const (
	TopicTaskStarted   = "dispatch.task.started"
	TopicTaskDone      = "dispatch.task.done"
	TopicTaskErrored   = "dispatch.task.errored"
	TopicDispatchDone  = "dispatch.done"
	TopicDispatchStuck = "dispatch.stuck"
)

// Plan lifecycle topics.
const (
	TopicPlanProposed = "plan.proposed"
	TopicPlanApproved = "plan.approved"
	TopicPlanStopped  = "plan.stopped"
)

// TaskEvent is published for every task state change in a dispatch.
type TaskEvent struct {
	DispatchID  string // Dispatch this task belongs to
	TaskID      int    // Task id within the dispatch
	Description string // Task description as shown to the operator
	Status      string // pending, done, or error
	Detail      string // Error text or completion note
}

// DispatchEvent is published when a dispatch finishes or deadlocks.
type DispatchEvent struct {
	DispatchID  string
	ProjectPath string
	Done        int // Tasks completed
	Errored     int // Tasks in error
	Pending     int // Tasks never dispatched (deadlock surfaces these)
}
