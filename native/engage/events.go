package engage

import (
	"encoding/hex"
	"strconv"

	"gigledger/core/types"
)

const (
	EventTypeHired     = "engage.hired"
	EventTypeCompleted = "engage.completed"
	EventTypeApproved  = "engage.approved"
	EventTypeEscalated = "engage.escalated"
	EventTypeResolved  = "engage.resolved"
)

// NewHiredEvent notifies the provider that a funded engagement was recorded
// under the given position in their transaction list.
func NewHiredEvent(organization, provider [20]byte, transactionNumber uint64, rec *EscrowRecord) *types.Event {
	attrs := baseAttributes(organization, provider, rec)
	attrs["transactionNumber"] = strconv.FormatUint(transactionNumber, 10)
	return &types.Event{Type: EventTypeHired, Attributes: attrs}
}

// NewCompletedEvent records the provider's completion notice.
func NewCompletedEvent(organization, provider [20]byte, escrowIndex uint64, rec *EscrowRecord) *types.Event {
	attrs := baseAttributes(organization, provider, rec)
	attrs["escrowIndex"] = strconv.FormatUint(escrowIndex, 10)
	return &types.Event{Type: EventTypeCompleted, Attributes: attrs}
}

// NewApprovedEvent notifies observers that the organization approved release
// of the escrow at the given index.
func NewApprovedEvent(organization, provider [20]byte, escrowIndex uint64, rec *EscrowRecord) *types.Event {
	attrs := baseAttributes(organization, provider, rec)
	attrs["escrowIndex"] = strconv.FormatUint(escrowIndex, 10)
	return &types.Event{Type: EventTypeApproved, Attributes: attrs}
}

// NewEscalatedEvent records a dispute escalation by either party.
func NewEscalatedEvent(role Role, organization, provider [20]byte, escrowIndex uint64, rec *EscrowRecord) *types.Event {
	attrs := baseAttributes(organization, provider, rec)
	attrs["escrowIndex"] = strconv.FormatUint(escrowIndex, 10)
	attrs["escalatedBy"] = role.String()
	return &types.Event{Type: EventTypeEscalated, Attributes: attrs}
}

// NewResolvedEvent notifies both parties of the resolver's decision.
func NewResolvedEvent(decision Decision, organization, provider [20]byte, escrowIndex uint64, rec *EscrowRecord) *types.Event {
	attrs := baseAttributes(organization, provider, rec)
	attrs["escrowIndex"] = strconv.FormatUint(escrowIndex, 10)
	attrs["decision"] = decision.String()
	return &types.Event{Type: EventTypeResolved, Attributes: attrs}
}

func baseAttributes(organization, provider [20]byte, rec *EscrowRecord) map[string]string {
	attrs := map[string]string{
		"organization": hex.EncodeToString(organization[:]),
		"provider":     hex.EncodeToString(provider[:]),
	}
	if rec == nil {
		return attrs
	}
	sanitized, err := SanitizeEscrowRecord(rec)
	if err != nil {
		return attrs
	}
	attrs["projectId"] = sanitized.ProjectID
	attrs["grossAmount"] = sanitized.GrossAmount().String()
	attrs["netAmount"] = sanitized.NetAmount.String()
	attrs["status"] = sanitized.Status.String()
	return attrs
}
