package events

// Emitter provides typed publish helpers over a Bus. All methods are
// fire-and-forget and nil-safe so callers can run without a bus wired.
type Emitter struct {
	bus *Bus
}

// NewEmitter creates an emitter over bus.
func NewEmitter(bus *Bus) *Emitter {
	return &Emitter{bus: bus}
}

func (e *Emitter) publish(eventType EventType, data map[string]interface{}) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(eventType, data)
}

// --- Escrow events ---

// EmitEscrowLocked publishes escrow.locked.
func (e *Emitter) EmitEscrowLocked(tradeID, escrowID, ownerID, amount string) {
	e.publish(EventEscrowLocked, map[string]interface{}{
		"tradeId":  tradeID,
		"escrowId": escrowID,
		"ownerId":  ownerID,
		"amount":   amount,
	})
}

// EmitEscrowReleased publishes escrow.released.
func (e *Emitter) EmitEscrowReleased(tradeID, escrowID, beneficiaryID, amount string) {
	e.publish(EventEscrowReleased, map[string]interface{}{
		"tradeId":       tradeID,
		"escrowId":      escrowID,
		"beneficiaryId": beneficiaryID,
		"amount":        amount,
	})
}

// EmitEscrowRefunded publishes escrow.refunded.
func (e *Emitter) EmitEscrowRefunded(tradeID, escrowID, ownerID, amount string) {
	e.publish(EventEscrowRefunded, map[string]interface{}{
		"tradeId":  tradeID,
		"escrowId": escrowID,
		"ownerId":  ownerID,
		"amount":   amount,
	})
}

// EmitEscrowSplit publishes escrow.split.
func (e *Emitter) EmitEscrowSplit(tradeID, escrowID, beneficiaryID, released, refunded string) {
	e.publish(EventEscrowSplit, map[string]interface{}{
		"tradeId":       tradeID,
		"escrowId":      escrowID,
		"beneficiaryId": beneficiaryID,
		"released":      released,
		"refunded":      refunded,
	})
}

// EmitEscrowFailed publishes escrow.failed.
func (e *Emitter) EmitEscrowFailed(tradeID, escrowID, operation, reason string) {
	e.publish(EventEscrowFailed, map[string]interface{}{
		"tradeId":   tradeID,
		"escrowId":  escrowID,
		"operation": operation,
		"reason":    reason,
	})
}

// --- Dispute events ---

// EmitDisputeInitiated publishes dispute.initiated.
func (e *Emitter) EmitDisputeInitiated(disputeID, tradeID, initiatorRole, category, priority string) {
	e.publish(EventDisputeInitiated, map[string]interface{}{
		"disputeId":     disputeID,
		"tradeId":       tradeID,
		"initiatorRole": initiatorRole,
		"category":      category,
		"priority":      priority,
	})
}

// EmitDisputeEscalated publishes dispute.escalated.
func (e *Emitter) EmitDisputeEscalated(disputeID, tradeID, priority, moderatorID string) {
	e.publish(EventDisputeEscalated, map[string]interface{}{
		"disputeId":   disputeID,
		"tradeId":     tradeID,
		"priority":    priority,
		"moderatorId": moderatorID,
	})
}

// EmitDisputeResolved publishes dispute.resolved.
func (e *Emitter) EmitDisputeResolved(disputeID, tradeID, outcome string) {
	e.publish(EventDisputeResolved, map[string]interface{}{
		"disputeId": disputeID,
		"tradeId":   tradeID,
		"outcome":   outcome,
	})
}

// --- Reconciliation events ---

// EmitReconciliationFixed publishes reconciliation.fixed.
func (e *Emitter) EmitReconciliationFixed(accountID, classification, before, after string) {
	e.publish(EventReconciliationFixed, map[string]interface{}{
		"accountId":      accountID,
		"classification": classification,
		"before":         before,
		"after":          after,
	})
}

// EmitManualIntervention publishes reconciliation.manual-intervention. Raised
// when an operation exhausts retries or finds a state no automatic path can
// repair.
func (e *Emitter) EmitManualIntervention(accountID, tradeID, reason string) {
	e.publish(EventManualIntervention, map[string]interface{}{
		"accountId": accountID,
		"tradeId":   tradeID,
		"reason":    reason,
	})
}
