package engage

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gigledger/core/events"
	"gigledger/core/types"
	"gigledger/native/fees"
)

var (
	errNilState    = errors.New("engage engine: state not configured")
	errNilTransfer = errors.New("engage engine: fund transfer not configured")
	errNilCustody  = errors.New("engage engine: custody sink not configured")
)

// engineState is the persistence surface the engine requires from the host
// ledger: the two per-address append-only history lists, the composite-key
// lookup index, and the fee-rate scalars.
type engineState interface {
	EscrowAppend(org [20]byte, rec *EscrowRecord) (uint64, error)
	EscrowAt(org [20]byte, index uint64) (*EscrowRecord, bool, error)
	EscrowSetStatus(org [20]byte, index uint64, status Status) error
	EscrowList(org [20]byte) ([]*EscrowRecord, error)
	TransactionAppend(provider [20]byte, rec *TransactionRecord) (uint64, error)
	TransactionAt(provider [20]byte, index uint64) (*TransactionRecord, bool, error)
	TransactionList(provider [20]byte) ([]*TransactionRecord, error)
	LookupAppend(key [32]byte, position uint64) error
	LookupLatest(key [32]byte) (uint64, bool, error)
	FeePolicyGet() (fees.Policy, bool, error)
	FeePolicyPut(fees.Policy) error
}

// FundTransfer moves value between ledger accounts and reports failure
// synchronously. A failed transfer aborts the enclosing operation.
type FundTransfer interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

// AccessControl authorises privileged operations: fee-rate changes and
// dispute resolution.
type AccessControl interface {
	IsPrivileged(addr [20]byte) bool
}

type engageEvent struct {
	evt *types.Event
}

func (e engageEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e engageEvent) Event() *types.Event { return e.evt }

// Engine wires the engagement escrow business logic with external state, fund
// transfers, access control and event emission. Each exported operation runs
// to completion inside one host transaction; a returned error means the host
// must discard every pending mutation.
type Engine struct {
	state       engineState
	transfer    FundTransfer
	access      AccessControl
	emitter     events.Emitter
	custodySink [20]byte
}

// NewEngine creates an engagement engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTransfer configures the fund transfer collaborator.
func (e *Engine) SetTransfer(transfer FundTransfer) { e.transfer = transfer }

// SetAccessControl configures the privileged-role collaborator consulted by
// fee updates and dispute resolution.
func (e *Engine) SetAccessControl(access AccessControl) { e.access = access }

// SetCustodySink configures the collecting account that physically holds all
// funded value pending release.
func (e *Engine) SetCustodySink(addr [20]byte) { e.custodySink = addr }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(engageEvent{evt: event})
}

// LookupKey derives the composite-key index entry for an engagement. The key
// is not guaranteed unique across re-engagements; the index stores every
// matching position and resolution takes the most recent.
func LookupKey(organization, provider [20]byte, projectID string, gross *big.Int) [32]byte {
	return ethcrypto.Keccak256Hash(
		organization[:],
		provider[:],
		ethcrypto.Keccak256([]byte(projectID)),
		cloneAmount(gross).Bytes(),
	)
}

func (e *Engine) ensureConfigured() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.transfer == nil {
		return errNilTransfer
	}
	if e.custodySink == ([20]byte{}) {
		return errNilCustody
	}
	return nil
}

func (e *Engine) feePolicy() (fees.Policy, error) {
	if e == nil || e.state == nil {
		return fees.Policy{}, errNilState
	}
	policy, ok, err := e.state.FeePolicyGet()
	if err != nil {
		return fees.Policy{}, err
	}
	if !ok {
		return fees.DefaultPolicy(), nil
	}
	return policy, nil
}

// Hire creates and funds a new engagement escrow. The full gross amount moves
// into the custody sink; the organization and provider history lists each
// grow by exactly one entry; the returned index is the position of the new
// EscrowRecord in the organization's list.
func (e *Engine) Hire(organization, provider [20]byte, projectID string, note Note, gross *big.Int) (uint64, error) {
	if err := e.ensureConfigured(); err != nil {
		return 0, err
	}
	if gross == nil || gross.Sign() <= 0 {
		return 0, fmt.Errorf("%w: gross amount must be positive", ErrInvalidAmount)
	}
	if organization == provider {
		return 0, fmt.Errorf("%w: organization and provider must differ", ErrInvalidAmount)
	}
	policy, err := e.feePolicy()
	if err != nil {
		return 0, err
	}
	split := policy.Apply(gross)
	rec := &EscrowRecord{
		Provider:    provider,
		ProjectID:   projectID,
		NetAmount:   split.Net,
		OrgFee:      split.OrgFee,
		ProviderFee: split.ProviderFee,
		Status:      StatusHired,
		Note:        note,
	}
	// Custody deposit happens before any record is written so a rejected
	// transfer leaves the history lists untouched.
	if err := e.transfer.Transfer(organization, e.custodySink, gross); err != nil {
		return 0, fmt.Errorf("%w: custody deposit: %v", ErrTransferFailed, err)
	}
	escrowIndex, err := e.state.EscrowAppend(organization, rec)
	if err != nil {
		return 0, err
	}
	tx := &TransactionRecord{
		Organization:      organization,
		ProjectID:         projectID,
		GrossAmount:       cloneAmount(gross),
		TransactionNumber: escrowIndex,
	}
	position, err := e.state.TransactionAppend(provider, tx)
	if err != nil {
		return 0, err
	}
	if err := e.state.LookupAppend(LookupKey(organization, provider, projectID, gross), position); err != nil {
		return 0, err
	}
	e.emit(NewHiredEvent(organization, provider, escrowIndex, rec))
	return escrowIndex, nil
}

// resolveEscrow finds the most recent engagement matching the composite key
// and returns its index in the organization's list together with the record.
func (e *Engine) resolveEscrow(organization, provider [20]byte, projectID string, gross *big.Int) (uint64, *EscrowRecord, error) {
	if e == nil || e.state == nil {
		return 0, nil, errNilState
	}
	key := LookupKey(organization, provider, projectID, gross)
	position, ok, err := e.state.LookupLatest(key)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, ErrNotFound
	}
	tx, ok, err := e.state.TransactionAt(provider, position)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, ErrNotFound
	}
	rec, ok, err := e.state.EscrowAt(organization, tx.TransactionNumber)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, ErrNotFound
	}
	return tx.TransactionNumber, rec, nil
}

// MarkCompleted records the provider's completion notice. Only a Hired escrow
// may be marked completed.
func (e *Engine) MarkCompleted(provider, organization [20]byte, projectID string, gross *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	escrowIndex, rec, err := e.resolveEscrow(organization, provider, projectID, gross)
	if err != nil {
		return err
	}
	if rec.Provider != provider {
		return fmt.Errorf("%w: caller is not the engaged provider", ErrUnauthorized)
	}
	if rec.Status != StatusHired {
		return fmt.Errorf("%w: cannot complete from %s", ErrStaleEscrow, rec.Status)
	}
	if err := e.state.EscrowSetStatus(organization, escrowIndex, StatusCompleted); err != nil {
		return err
	}
	rec.Status = StatusCompleted
	e.emit(NewCompletedEvent(organization, provider, escrowIndex, rec))
	return nil
}

// ApproveRelease settles a completed engagement in favour of the provider,
// paying out the net amount. The status flips to Finished before the payout
// transfer is invoked, closing the double-withdrawal window; the host
// transaction discards the flip if the transfer fails.
func (e *Engine) ApproveRelease(organization, provider [20]byte, projectID string, gross *big.Int) error {
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	escrowIndex, rec, err := e.resolveEscrow(organization, provider, projectID, gross)
	if err != nil {
		return err
	}
	if rec.Status != StatusCompleted {
		return fmt.Errorf("%w: cannot approve from %s", ErrStaleEscrow, rec.Status)
	}
	if err := e.state.EscrowSetStatus(organization, escrowIndex, StatusFinished); err != nil {
		return err
	}
	if err := e.transfer.Transfer(e.custodySink, provider, rec.NetAmount); err != nil {
		return fmt.Errorf("%w: release payout: %v", ErrTransferFailed, err)
	}
	rec.Status = StatusFinished
	e.emit(NewApprovedEvent(organization, provider, escrowIndex, rec))
	return nil
}

// Escalate moves an engagement under review. The organization may escalate
// before or after completion; the provider only before the engagement has
// been completed. Reviewed and terminal records cannot be escalated again.
func (e *Engine) Escalate(role Role, caller, counterparty [20]byte, projectID string, gross *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	var organization, provider [20]byte
	switch role {
	case RoleOrganization:
		organization, provider = caller, counterparty
	case RoleProvider:
		provider, organization = caller, counterparty
	default:
		return fmt.Errorf("%w: unknown escalation role", ErrUnauthorized)
	}
	escrowIndex, rec, err := e.resolveEscrow(organization, provider, projectID, gross)
	if err != nil {
		return err
	}
	switch role {
	case RoleOrganization:
		if rec.Status != StatusHired && rec.Status != StatusCompleted {
			return fmt.Errorf("%w: cannot escalate from %s", ErrStaleEscrow, rec.Status)
		}
	case RoleProvider:
		if rec.Status != StatusHired {
			return fmt.Errorf("%w: cannot escalate from %s", ErrStaleEscrow, rec.Status)
		}
	}
	if err := e.state.EscrowSetStatus(organization, escrowIndex, StatusReviewed); err != nil {
		return err
	}
	rec.Status = StatusReviewed
	e.emit(NewEscalatedEvent(role, organization, provider, escrowIndex, rec))
	return nil
}

// Resolve settles a reviewed engagement according to the privileged
// resolver's decision. Refund returns the net amount plus the provider fee to
// the organization and cancels the escrow; Release pays the net amount to the
// provider and finishes it, bypassing organization approval.
func (e *Engine) Resolve(decision Decision, resolver, organization, provider [20]byte, projectID string, gross *big.Int) error {
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	if e.access == nil || !e.access.IsPrivileged(resolver) {
		return fmt.Errorf("%w: resolver role required", ErrUnauthorized)
	}
	escrowIndex, rec, err := e.resolveEscrow(organization, provider, projectID, gross)
	if err != nil {
		return err
	}
	if rec.Status != StatusReviewed {
		return fmt.Errorf("%w: cannot resolve from %s", ErrStaleEscrow, rec.Status)
	}
	switch decision {
	case DecisionRefund:
		if err := e.state.EscrowSetStatus(organization, escrowIndex, StatusCanceled); err != nil {
			return err
		}
		refund := new(big.Int).Add(cloneAmount(rec.NetAmount), cloneAmount(rec.ProviderFee))
		if err := e.transfer.Transfer(e.custodySink, organization, refund); err != nil {
			return fmt.Errorf("%w: refund payout: %v", ErrTransferFailed, err)
		}
		rec.Status = StatusCanceled
	case DecisionRelease:
		if err := e.state.EscrowSetStatus(organization, escrowIndex, StatusFinished); err != nil {
			return err
		}
		if err := e.transfer.Transfer(e.custodySink, provider, rec.NetAmount); err != nil {
			return fmt.Errorf("%w: release payout: %v", ErrTransferFailed, err)
		}
		rec.Status = StatusFinished
	default:
		return fmt.Errorf("engage: invalid resolution decision %d", decision)
	}
	e.emit(NewResolvedEvent(decision, organization, provider, escrowIndex, rec))
	return nil
}

// ProviderFeeRate returns the current provider fee percentage.
func (e *Engine) ProviderFeeRate() (uint32, error) {
	policy, err := e.feePolicy()
	if err != nil {
		return 0, err
	}
	return policy.ProviderRate, nil
}

// OrgFeeRate returns the current organization fee percentage.
func (e *Engine) OrgFeeRate() (uint32, error) {
	policy, err := e.feePolicy()
	if err != nil {
		return 0, err
	}
	return policy.OrgRate, nil
}

// SetProviderFeeRate updates the provider fee percentage. Restricted to the
// privileged role; a no-op update is rejected.
func (e *Engine) SetProviderFeeRate(caller [20]byte, rate uint32) error {
	return e.updateFeePolicy(caller, func(policy *fees.Policy) error {
		if policy.ProviderRate == rate {
			return fmt.Errorf("%w: provider rate already %d", ErrFeeUnchanged, rate)
		}
		policy.ProviderRate = rate
		return nil
	})
}

// SetOrgFeeRate updates the organization fee percentage. Restricted to the
// privileged role; a no-op update is rejected.
func (e *Engine) SetOrgFeeRate(caller [20]byte, rate uint32) error {
	return e.updateFeePolicy(caller, func(policy *fees.Policy) error {
		if policy.OrgRate == rate {
			return fmt.Errorf("%w: organization rate already %d", ErrFeeUnchanged, rate)
		}
		policy.OrgRate = rate
		return nil
	})
}

func (e *Engine) updateFeePolicy(caller [20]byte, mutate func(*fees.Policy) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.access == nil || !e.access.IsPrivileged(caller) {
		return fmt.Errorf("%w: fee administration requires the privileged role", ErrUnauthorized)
	}
	policy, err := e.feePolicy()
	if err != nil {
		return err
	}
	if err := mutate(&policy); err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	return e.state.FeePolicyPut(policy)
}

// FindTransactionNumber resolves the composite business key to the position
// of the most recently appended matching entry in the provider's transaction
// list. The second return value reports whether any entry matched.
func (e *Engine) FindTransactionNumber(organization, provider [20]byte, projectID string, gross *big.Int) (uint64, bool, error) {
	if e == nil || e.state == nil {
		return 0, false, errNilState
	}
	return e.state.LookupLatest(LookupKey(organization, provider, projectID, gross))
}

// GetEscrow returns the escrow record for the composite key, or found=false
// when no entry matches. Absence is always explicit, never an all-default
// record.
func (e *Engine) GetEscrow(organization, provider [20]byte, projectID string, gross *big.Int) (*EscrowRecord, bool, error) {
	_, rec, err := e.resolveEscrow(organization, provider, projectID, gross)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// OrganizationHistory returns the organization's full escrow list in append
// order, sized exactly to the stored list length.
func (e *Engine) OrganizationHistory(organization [20]byte) ([]*EscrowRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.EscrowList(organization)
}

// HistoryColumn selects which projections ProviderHistory materialises.
type HistoryColumn uint8

const (
	ColumnOrganizations HistoryColumn = 1 << iota
	ColumnProjects
	ColumnGrossAmounts
	ColumnTransactionNumbers

	AllColumns = ColumnOrganizations | ColumnProjects | ColumnGrossAmounts | ColumnTransactionNumbers
)

// ProviderHistory holds per-column projections of a provider's transaction
// list. Every selected column has exactly one entry per stored record.
type ProviderHistory struct {
	Organizations      [][20]byte
	Projects           []string
	GrossAmounts       []*big.Int
	TransactionNumbers []uint64
}

// ProviderHistory projects the provider's transaction list into the selected
// columns.
func (e *Engine) ProviderHistory(provider [20]byte, columns HistoryColumn) (*ProviderHistory, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	list, err := e.state.TransactionList(provider)
	if err != nil {
		return nil, err
	}
	history := &ProviderHistory{}
	if columns&ColumnOrganizations != 0 {
		history.Organizations = make([][20]byte, len(list))
	}
	if columns&ColumnProjects != 0 {
		history.Projects = make([]string, len(list))
	}
	if columns&ColumnGrossAmounts != 0 {
		history.GrossAmounts = make([]*big.Int, len(list))
	}
	if columns&ColumnTransactionNumbers != 0 {
		history.TransactionNumbers = make([]uint64, len(list))
	}
	for i, tx := range list {
		if tx == nil {
			tx = &TransactionRecord{}
		}
		if history.Organizations != nil {
			history.Organizations[i] = tx.Organization
		}
		if history.Projects != nil {
			history.Projects[i] = tx.ProjectID
		}
		if history.GrossAmounts != nil {
			history.GrossAmounts[i] = cloneAmount(tx.GrossAmount)
		}
		if history.TransactionNumbers != nil {
			history.TransactionNumbers[i] = tx.TransactionNumber
		}
	}
	return history, nil
}
