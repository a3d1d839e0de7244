package engage

import "errors"

// Sentinel failures surfaced by the engine. Each aborts the triggering
// operation in its entirety; callers match with errors.Is.
var (
	// ErrInvalidAmount covers zero-value funding and self-dealing at creation.
	ErrInvalidAmount = errors.New("engage: invalid amount")
	// ErrInvalidNote rejects note payloads longer than NoteSize.
	ErrInvalidNote = errors.New("engage: invalid note payload")
	// ErrFeeUnchanged rejects a fee-rate update equal to the current rate.
	ErrFeeUnchanged = errors.New("engage: fee rate unchanged")
	// ErrStaleEscrow signals that the record's status does not satisfy the
	// transition's precondition.
	ErrStaleEscrow = errors.New("engage: stale escrow status")
	// ErrNotFound signals that no record matches the composite lookup key.
	ErrNotFound = errors.New("engage: escrow not found")
	// ErrTransferFailed propagates a fund-transfer collaborator failure.
	ErrTransferFailed = errors.New("engage: fund transfer failed")
	// ErrUnauthorized signals a caller lacking the role or participant
	// identity required by the operation.
	ErrUnauthorized = errors.New("engage: unauthorized caller")
)
