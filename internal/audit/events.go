package audit

// EventType is the closed taxonomy of audit events. Every state transition,
// safety decision, and external side effect in the system maps to exactly
// one of these.
type EventType string

const (
	// Order lifecycle
	EventOrderProposed       EventType = "ORDER_PROPOSED"
	EventOrderSimulated      EventType = "ORDER_SIMULATED"
	EventRiskGateEvaluated   EventType = "RISK_GATE_EVALUATED"
	EventProposalCreated     EventType = "PROPOSAL_CREATED"
	EventApprovalRequested   EventType = "APPROVAL_REQUESTED"
	EventApprovalGranted     EventType = "APPROVAL_GRANTED"
	EventApprovalDenied      EventType = "APPROVAL_DENIED"
	EventAutoApprovalGranted EventType = "AUTO_APPROVAL_GRANTED"
	EventOrderSubmitted      EventType = "ORDER_SUBMITTED"
	EventOrderFilled         EventType = "ORDER_FILLED"
	EventOrderCancelled      EventType = "ORDER_CANCELLED"
	EventOrderRejected       EventType = "ORDER_REJECTED"
	EventSubmissionFailed    EventType = "ORDER_SUBMISSION_FAILED"

	// Cancel / modify flow
	EventCancelRequested EventType = "CANCEL_REQUESTED"
	EventCancelGranted   EventType = "CANCEL_GRANTED"
	EventCancelDenied    EventType = "CANCEL_DENIED"
	EventCancelExecuted  EventType = "CANCEL_EXECUTED"
	EventModifyRequested EventType = "MODIFY_REQUESTED"
	EventModifyGranted   EventType = "MODIFY_GRANTED"
	EventModifyDenied    EventType = "MODIFY_DENIED"
	EventModifyExecuted  EventType = "MODIFY_EXECUTED"

	// Safety
	EventKillSwitchActivated EventType = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchReleased  EventType = "KILL_SWITCH_RELEASED"

	// Broker
	EventBrokerConnected        EventType = "BROKER_CONNECTED"
	EventBrokerDisconnected     EventType = "BROKER_DISCONNECTED"
	EventPortfolioSnapshotTaken EventType = "PORTFOLIO_SNAPSHOT_TAKEN"
	EventMarketSnapshotTaken    EventType = "MARKET_SNAPSHOT_TAKEN"

	// Tool gateway
	EventToolCalled   EventType = "TOOL_CALLED"
	EventToolRejected EventType = "TOOL_REJECTED"

	// Scheduler / exports
	EventSchedulerStarted   EventType = "SCHEDULER_STARTED"
	EventSchedulerStopped   EventType = "SCHEDULER_STOPPED"
	EventExportJobStarted   EventType = "EXPORT_JOB_STARTED"
	EventExportJobCompleted EventType = "EXPORT_JOB_COMPLETED"
	EventExportJobFailed    EventType = "EXPORT_JOB_FAILED"

	// System
	EventSystemStarted    EventType = "SYSTEM_STARTED"
	EventSystemStopped    EventType = "SYSTEM_STOPPED"
	EventValidationFailed EventType = "VALIDATION_FAILED"
	EventErrorOccurred    EventType = "ERROR_OCCURRED"
	EventBackupCreated    EventType = "BACKUP_CREATED"
)
