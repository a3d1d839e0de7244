package state

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"gigledger/core/types"
	"gigledger/native/engage"
	"gigledger/native/fees"
	"gigledger/storage"
)

// RoleArbiter marks addresses allowed to resolve disputes and administer fee
// rates.
const RoleArbiter = "ROLE_ARBITER"

var (
	escrowListPrefix  = []byte("engage/escrows/")
	txListPrefix      = []byte("engage/transactions/")
	lookupPrefix      = []byte("engage/lookup/")
	accountPrefix     = []byte("account/")
	rolePrefix        = []byte("role/")
	feePolicyStoreKey = []byte("engage/fee-policy")
	genesisStoreKey   = []byte("genesis/applied")
)

// Manager persists the escrow ledger state on a key-value database. All
// writes accumulate in a pending overlay until Commit, so a failed operation
// can be rolled back with Reset and no partial mutation is ever observable.
// The manager is not safe for concurrent use; the host serialises operations.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		pending: make(map[string][]byte),
	}
}

// Commit flushes every pending write to the underlying database.
func (m *Manager) Commit() error {
	for key, value := range m.pending {
		if err := m.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	m.pending = make(map[string][]byte)
	return nil
}

// Reset discards all pending writes.
func (m *Manager) Reset() {
	m.pending = make(map[string][]byte)
}

// Run executes one ledger operation as an atomic unit: the pending overlay is
// committed when fn succeeds and discarded when it fails.
func (m *Manager) Run(fn func() error) error {
	if err := fn(); err != nil {
		m.Reset()
		return err
	}
	return m.Commit()
}

func prefixedKey(prefix, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) rawGet(key []byte) ([]byte, bool, error) {
	if value, ok := m.pending[string(key)]; ok {
		return value, true, nil
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) kvPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.pending[string(key)] = encoded
	return nil
}

func (m *Manager) kvGet(key []byte, out interface{}) (bool, error) {
	data, ok, err := m.rawGet(key)
	if err != nil || !ok {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// --- Escrow history lists ---

type storedEscrow struct {
	Provider    [20]byte
	ProjectID   string
	NetAmount   *big.Int
	OrgFee      *big.Int
	ProviderFee *big.Int
	Status      uint8
	Note        [engage.NoteSize]byte
}

func escrowListKey(org [20]byte) []byte {
	return prefixedKey(escrowListPrefix, org[:])
}

func (m *Manager) loadEscrowList(org [20]byte) ([]storedEscrow, error) {
	var list []storedEscrow
	if _, err := m.kvGet(escrowListKey(org), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func storedFromEscrow(rec *engage.EscrowRecord) storedEscrow {
	return storedEscrow{
		Provider:    rec.Provider,
		ProjectID:   rec.ProjectID,
		NetAmount:   rec.NetAmount,
		OrgFee:      rec.OrgFee,
		ProviderFee: rec.ProviderFee,
		Status:      uint8(rec.Status),
		Note:        rec.Note,
	}
}

func escrowFromStored(stored storedEscrow) *engage.EscrowRecord {
	rec := &engage.EscrowRecord{
		Provider:    stored.Provider,
		ProjectID:   stored.ProjectID,
		NetAmount:   big.NewInt(0),
		OrgFee:      big.NewInt(0),
		ProviderFee: big.NewInt(0),
		Status:      engage.Status(stored.Status),
		Note:        stored.Note,
	}
	if stored.NetAmount != nil {
		rec.NetAmount = new(big.Int).Set(stored.NetAmount)
	}
	if stored.OrgFee != nil {
		rec.OrgFee = new(big.Int).Set(stored.OrgFee)
	}
	if stored.ProviderFee != nil {
		rec.ProviderFee = new(big.Int).Set(stored.ProviderFee)
	}
	return rec
}

// EscrowAppend appends the record to the organization's history list and
// returns its index, which equals the list length before the append.
func (m *Manager) EscrowAppend(org [20]byte, rec *engage.EscrowRecord) (uint64, error) {
	sanitized, err := engage.SanitizeEscrowRecord(rec)
	if err != nil {
		return 0, err
	}
	list, err := m.loadEscrowList(org)
	if err != nil {
		return 0, err
	}
	index := uint64(len(list))
	list = append(list, storedFromEscrow(sanitized))
	if err := m.kvPut(escrowListKey(org), list); err != nil {
		return 0, err
	}
	return index, nil
}

// EscrowAt returns the record at the given index of the organization's list.
func (m *Manager) EscrowAt(org [20]byte, index uint64) (*engage.EscrowRecord, bool, error) {
	list, err := m.loadEscrowList(org)
	if err != nil {
		return nil, false, err
	}
	if index >= uint64(len(list)) {
		return nil, false, nil
	}
	return escrowFromStored(list[index]), true, nil
}

// EscrowSetStatus advances the status of a stored record. Every other field
// is immutable post-creation, and only transitions permitted by the status
// table are accepted.
func (m *Manager) EscrowSetStatus(org [20]byte, index uint64, status engage.Status) error {
	if !status.Valid() {
		return fmt.Errorf("state: invalid escrow status %d", status)
	}
	list, err := m.loadEscrowList(org)
	if err != nil {
		return err
	}
	if index >= uint64(len(list)) {
		return fmt.Errorf("state: escrow index %d out of range", index)
	}
	current := engage.Status(list[index].Status)
	if !current.CanTransition(status) {
		return fmt.Errorf("state: illegal status transition %s -> %s", current, status)
	}
	list[index].Status = uint8(status)
	return m.kvPut(escrowListKey(org), list)
}

// EscrowList returns the organization's full history, sized exactly to the
// stored list length.
func (m *Manager) EscrowList(org [20]byte) ([]*engage.EscrowRecord, error) {
	list, err := m.loadEscrowList(org)
	if err != nil {
		return nil, err
	}
	records := make([]*engage.EscrowRecord, len(list))
	for i, stored := range list {
		records[i] = escrowFromStored(stored)
	}
	return records, nil
}

// --- Provider transaction lists ---

type storedTransaction struct {
	Organization      [20]byte
	ProjectID         string
	GrossAmount       *big.Int
	TransactionNumber uint64
}

func txListKey(provider [20]byte) []byte {
	return prefixedKey(txListPrefix, provider[:])
}

func (m *Manager) loadTransactionList(provider [20]byte) ([]storedTransaction, error) {
	var list []storedTransaction
	if _, err := m.kvGet(txListKey(provider), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func transactionFromStored(stored storedTransaction) *engage.TransactionRecord {
	rec := &engage.TransactionRecord{
		Organization:      stored.Organization,
		ProjectID:         stored.ProjectID,
		GrossAmount:       big.NewInt(0),
		TransactionNumber: stored.TransactionNumber,
	}
	if stored.GrossAmount != nil {
		rec.GrossAmount = new(big.Int).Set(stored.GrossAmount)
	}
	return rec
}

// TransactionAppend appends the record to the provider's transaction list and
// returns its position.
func (m *Manager) TransactionAppend(provider [20]byte, rec *engage.TransactionRecord) (uint64, error) {
	sanitized, err := engage.SanitizeTransactionRecord(rec)
	if err != nil {
		return 0, err
	}
	list, err := m.loadTransactionList(provider)
	if err != nil {
		return 0, err
	}
	position := uint64(len(list))
	list = append(list, storedTransaction{
		Organization:      sanitized.Organization,
		ProjectID:         sanitized.ProjectID,
		GrossAmount:       sanitized.GrossAmount,
		TransactionNumber: sanitized.TransactionNumber,
	})
	if err := m.kvPut(txListKey(provider), list); err != nil {
		return 0, err
	}
	return position, nil
}

// TransactionAt returns the record at the given position of the provider's
// list.
func (m *Manager) TransactionAt(provider [20]byte, index uint64) (*engage.TransactionRecord, bool, error) {
	list, err := m.loadTransactionList(provider)
	if err != nil {
		return nil, false, err
	}
	if index >= uint64(len(list)) {
		return nil, false, nil
	}
	return transactionFromStored(list[index]), true, nil
}

// TransactionList returns the provider's full transaction history.
func (m *Manager) TransactionList(provider [20]byte) ([]*engage.TransactionRecord, error) {
	list, err := m.loadTransactionList(provider)
	if err != nil {
		return nil, err
	}
	records := make([]*engage.TransactionRecord, len(list))
	for i, stored := range list {
		records[i] = transactionFromStored(stored)
	}
	return records, nil
}

// --- Composite-key lookup index ---

func lookupKey(key [32]byte) []byte {
	return prefixedKey(lookupPrefix, key[:])
}

// LookupAppend records a transaction position under the composite key. The
// key is not unique across re-engagements, so positions accumulate in append
// order.
func (m *Manager) LookupAppend(key [32]byte, position uint64) error {
	var positions []uint64
	if _, err := m.kvGet(lookupKey(key), &positions); err != nil {
		return err
	}
	positions = append(positions, position)
	return m.kvPut(lookupKey(key), positions)
}

// LookupLatest resolves the composite key to the most recently appended
// matching position.
func (m *Manager) LookupLatest(key [32]byte) (uint64, bool, error) {
	var positions []uint64
	ok, err := m.kvGet(lookupKey(key), &positions)
	if err != nil {
		return 0, false, err
	}
	if !ok || len(positions) == 0 {
		return 0, false, nil
	}
	return positions[len(positions)-1], true, nil
}

// --- Fee policy scalars ---

type storedFeePolicy struct {
	ProviderRate uint32
	OrgRate      uint32
}

// FeePolicyGet returns the persisted fee policy if one has been stored.
func (m *Manager) FeePolicyGet() (fees.Policy, bool, error) {
	var stored storedFeePolicy
	ok, err := m.kvGet(prefixedKey(feePolicyStoreKey, nil), &stored)
	if err != nil || !ok {
		return fees.Policy{}, false, err
	}
	return fees.Policy{ProviderRate: stored.ProviderRate, OrgRate: stored.OrgRate}, true, nil
}

// FeePolicyPut persists the fee policy scalars.
func (m *Manager) FeePolicyPut(policy fees.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	return m.kvPut(prefixedKey(feePolicyStoreKey, nil), storedFeePolicy{
		ProviderRate: policy.ProviderRate,
		OrgRate:      policy.OrgRate,
	})
}

// --- Accounts and fund transfers ---

func accountKey(addr [20]byte) []byte {
	return prefixedKey(accountPrefix, addr[:])
}

// GetAccount loads the account for the address, returning a zero-balance
// account when none has been stored yet.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	account := &types.Account{Balance: big.NewInt(0)}
	if _, err := m.kvGet(accountKey(addr), account); err != nil {
		return nil, err
	}
	return account.EnsureDefaults(), nil
}

// PutAccount stores the account under the address.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	return m.kvPut(accountKey(addr), account.EnsureDefaults())
}

// Transfer moves value between two ledger accounts. It implements the
// engine's fund transfer collaborator.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative transfer amount")
	}
	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: insufficient balance")
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := m.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return m.PutAccount(to, toAcc)
}

// SeedGenesis credits the configured balances exactly once per database. The
// applied marker persists alongside the balances, so restarting the daemon
// never double-credits an account.
func (m *Manager) SeedGenesis(balances map[[20]byte]*big.Int) error {
	marker := prefixedKey(genesisStoreKey, nil)
	var applied bool
	if _, err := m.kvGet(marker, &applied); err != nil {
		return err
	}
	if applied {
		return nil
	}
	for addr, amount := range balances {
		if err := m.Mint(addr, amount); err != nil {
			return err
		}
	}
	return m.kvPut(marker, true)
}

// Mint credits freshly issued value to the address. Used by genesis seeding
// and tests.
func (m *Manager) Mint(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: mint amount must be positive")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return m.PutAccount(addr, account)
}

// --- Role membership ---

func roleKey(role string) []byte {
	return prefixedKey(rolePrefix, []byte(strings.TrimSpace(role)))
}

// RoleGrant adds the address to the role's member list. Granting an existing
// member is a no-op.
func (m *Manager) RoleGrant(role string, addr [20]byte) error {
	var members [][]byte
	if _, err := m.kvGet(roleKey(role), &members); err != nil {
		return err
	}
	for _, member := range members {
		if bytes.Equal(member, addr[:]) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), addr[:]...))
	return m.kvPut(roleKey(role), members)
}

// HasRole reports whether the address is associated with the role. Read
// errors result in a false return, matching the best-effort semantics the
// callers require.
func (m *Manager) HasRole(role string, addr [20]byte) bool {
	var members [][]byte
	ok, err := m.kvGet(roleKey(role), &members)
	if err != nil || !ok {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr[:]) {
			return true
		}
	}
	return false
}

// IsPrivileged implements the engine's access control collaborator: the
// arbiter role authorises fee administration and dispute resolution.
func (m *Manager) IsPrivileged(addr [20]byte) bool {
	return m.HasRole(RoleArbiter, addr)
}
