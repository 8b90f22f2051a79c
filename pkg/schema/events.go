package schema

// PipelineEventType is the kind of notification emitted to the notification port.
type PipelineEventType string

const (
	EventPipelineStart   PipelineEventType = "PIPELINE_START"
	EventPipelineSuccess PipelineEventType = "PIPELINE_SUCCESS"
	EventPipelineFailed  PipelineEventType = "PIPELINE_FAILED"
	EventPipelinePaused  PipelineEventType = "PIPELINE_PAUSED"
	EventPipelineEnd     PipelineEventType = "PIPELINE_END"
	EventStageStart      PipelineEventType = "STAGE_START"
	EventStageSuccess    PipelineEventType = "STAGE_SUCCESS"
	EventStageFailed     PipelineEventType = "STAGE_FAILED"
	EventStepFailed      PipelineEventType = "STEP_FAILED"
	EventAllEvents       PipelineEventType = "ALL_EVENTS"
)

// Event log entry types recorded for every persisted change.
const (
	LogNodeStatusChanged = "node_status_changed"
	LogPlanStatusChanged = "plan_status_changed"
	LogNodeCreated       = "node_created"
	LogNodeRetried       = "node_retried"
	LogInterruptState    = "interrupt_state_changed"
)
