package schema

const (
	EventDayEnd                  = "day_end"
	EventDayEndDuplicate         = "day_end_duplicate"
	EventDayEndFailed            = "day_end_failed"
	EventGuaranteeCreditDisabled = "guarantee_credit_disabled"
	EventGuaranteeCreditBatch    = "guarantee_credit_batch"

	EventDecisionStart       = "decision_generation_start"
	EventDecisionStartNPC    = "decision_generation_start.npc"
	EventDecisionCompleteNPC = "decision_generation_complete.npc"
	EventLocalFallback       = "local-fallback"
	EventDecisionComplete    = "decision_generation_complete"
	EventDecisionFailed      = "decision_generation_failed"

	EventNPCCreated    = "npc_created"
	EventPromptUpdated = "prompt_updated"
	EventNPCDeleted    = "npc_deleted"
)

const (
	SourceSimClock   = "sim-clock"
	SourceSimulation = "simulation-service"
	SourceAPI        = "api"
)

// Broadcast names used on the publish sink.
const (
	BroadcastStateUpdate = "state_update"
	BroadcastNPCCreated  = "npc_created"
	BroadcastNPCDeleted  = "npc_deleted"
	BroadcastDayEnd      = "day_end"
)

const (
	LedgerGuaranteeCredit = "guarantee_credit"

	// GuaranteeCreditAmount is the fixed demo credit paid to every agent
	// at day end.
	GuaranteeCreditAmount = 100
)

// DayEndKey is the idempotency key for the rollover of simDay.
func DayEndKey(simDay int64) string {
	return itoa(simDay) + ":day_end"
}

// DayEndCorrelationID groups the ledger entries written for one rollover.
func DayEndCorrelationID(simDay int64) string {
	return itoa(simDay) + "-day_end"
}
