package tracing

// Span attribute keys for task-lifecycle spans.
const (
	AttrTaskID   = "task.id"
	AttrTool     = "task.tool"
	AttrWorkerID = "worker.id"
	AttrServerID = "server.id"
	AttrOutcome  = "task.outcome" // completed, failed, cancelled

	AttrErrorMessage = "error.message"
	AttrTokensUsed   = "task.tokens_used"
)

// Span names.
const (
	SpanTask        = "fleet.task"
	SpanWorkerSpawn = "fleet.worker.spawn"
)
