package engage

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle state of a single engagement escrow. A
// record advances monotonically through the transition table below and lands
// in exactly one terminal state.
type Status uint8

const (
	StatusHired Status = iota
	StatusCompleted
	StatusReviewed
	StatusFinished
	StatusCanceled
)

var transitionTable = map[Status][]Status{
	StatusHired:     {StatusCompleted, StatusReviewed},
	StatusCompleted: {StatusFinished, StatusReviewed},
	StatusReviewed:  {StatusFinished, StatusCanceled},
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusHired, StatusCompleted, StatusReviewed, StatusFinished, StatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCanceled
}

// CanTransition reports whether the status may advance to the target state.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitionTable[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusHired:
		return "hired"
	case StatusCompleted:
		return "completed"
	case StatusReviewed:
		return "reviewed"
	case StatusFinished:
		return "finished"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Role identifies which side of an engagement a caller acts as when
// escalating a dispute.
type Role uint8

const (
	RoleOrganization Role = iota + 1
	RoleProvider
)

func (r Role) String() string {
	switch r {
	case RoleOrganization:
		return "organization"
	case RoleProvider:
		return "provider"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Decision is the resolver's verdict on an escalated engagement.
type Decision uint8

const (
	DecisionRefund Decision = iota + 1
	DecisionRelease
)

func (d Decision) String() string {
	switch d {
	case DecisionRefund:
		return "refund"
	case DecisionRelease:
		return "release"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// NoteSize is the fixed length of the opaque note payload carried by an
// escrow record for the provider. Longer input is rejected, never truncated.
const NoteSize = 128

// Note is the fixed-size payload attached to an escrow at creation.
type Note [NoteSize]byte

// NewNote copies the supplied bytes into a fixed-size note payload.
func NewNote(payload []byte) (Note, error) {
	var note Note
	if len(payload) > NoteSize {
		return note, fmt.Errorf("%w: note payload %d bytes exceeds %d", ErrInvalidNote, len(payload), NoteSize)
	}
	copy(note[:], payload)
	return note, nil
}

// Bytes returns the note payload with trailing zero padding stripped.
func (n Note) Bytes() []byte {
	end := len(n)
	for end > 0 && n[end-1] == 0 {
		end--
	}
	return append([]byte(nil), n[:end]...)
}

// EscrowRecord is one funded engagement stored in the organization's ordered
// history list. The three amount fields are immutable after creation; only
// Status advances.
type EscrowRecord struct {
	Provider    [20]byte
	ProjectID   string
	NetAmount   *big.Int
	OrgFee      *big.Int
	ProviderFee *big.Int
	Status      Status
	Note        Note
}

// GrossAmount returns the total value attached at creation, reconstructed
// from the immutable split.
func (r *EscrowRecord) GrossAmount() *big.Int {
	gross := big.NewInt(0)
	if r == nil {
		return gross
	}
	if r.NetAmount != nil {
		gross.Add(gross, r.NetAmount)
	}
	if r.OrgFee != nil {
		gross.Add(gross, r.OrgFee)
	}
	if r.ProviderFee != nil {
		gross.Add(gross, r.ProviderFee)
	}
	return gross
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (r *EscrowRecord) Clone() *EscrowRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.NetAmount = cloneAmount(r.NetAmount)
	clone.OrgFee = cloneAmount(r.OrgFee)
	clone.ProviderFee = cloneAmount(r.ProviderFee)
	return &clone
}

// SanitizeEscrowRecord validates and normalises the supplied record, returning
// a cloned instance with non-nil amount fields. The original is not mutated.
func SanitizeEscrowRecord(r *EscrowRecord) (*EscrowRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("engage: nil escrow record")
	}
	clone := r.Clone()
	if clone.NetAmount.Sign() < 0 || clone.OrgFee.Sign() < 0 || clone.ProviderFee.Sign() < 0 {
		return nil, fmt.Errorf("engage: escrow amounts must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("engage: invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}

// TransactionRecord is the provider-side ledger entry created together with an
// EscrowRecord. TransactionNumber is the index of the paired EscrowRecord in
// the organization's list, joining the two per-address histories.
type TransactionRecord struct {
	Organization      [20]byte
	ProjectID         string
	GrossAmount       *big.Int
	TransactionNumber uint64
}

// Clone returns a deep copy of the transaction record.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.GrossAmount = cloneAmount(r.GrossAmount)
	return &clone
}

// SanitizeTransactionRecord validates and normalises the supplied record.
func SanitizeTransactionRecord(r *TransactionRecord) (*TransactionRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("engage: nil transaction record")
	}
	clone := r.Clone()
	if clone.GrossAmount.Sign() <= 0 {
		return nil, fmt.Errorf("engage: transaction gross amount must be positive")
	}
	return clone, nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
