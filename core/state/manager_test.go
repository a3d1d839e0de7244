package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"gigledger/native/engage"
	"gigledger/native/fees"
	"gigledger/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newCommittedManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func TestEscrowListRoundTrip(t *testing.T) {
	m := newCommittedManager(t)
	org := testAddr(0x01)

	rec := &engage.EscrowRecord{
		Provider:    testAddr(0x02),
		ProjectID:   "site-redesign",
		NetAmount:   big.NewInt(870),
		OrgFee:      big.NewInt(30),
		ProviderFee: big.NewInt(100),
		Status:      engage.StatusHired,
	}
	index, err := m.EscrowAppend(org, rec)
	require.NoError(t, err)
	require.Equal(t, uint64(0), index)
	require.NoError(t, m.Commit())

	restored, ok, err := m.EscrowAt(org, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.ProjectID, restored.ProjectID)
	require.Zero(t, restored.NetAmount.Cmp(big.NewInt(870)))
	require.Equal(t, engage.StatusHired, restored.Status)

	_, ok, err = m.EscrowAt(org, 1)
	require.NoError(t, err)
	require.False(t, ok)

	list, err := m.EscrowList(org)
	require.NoError(t, err)
	require.Len(t, list, 1)

	empty, err := m.EscrowList(testAddr(0x09))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestEscrowSetStatusEnforcesTransitions(t *testing.T) {
	m := newCommittedManager(t)
	org := testAddr(0x01)
	rec := &engage.EscrowRecord{Provider: testAddr(0x02), ProjectID: "p", Status: engage.StatusHired}
	_, err := m.EscrowAppend(org, rec)
	require.NoError(t, err)

	require.Error(t, m.EscrowSetStatus(org, 0, engage.StatusFinished), "hired cannot finish directly")
	require.NoError(t, m.EscrowSetStatus(org, 0, engage.StatusCompleted))
	require.NoError(t, m.EscrowSetStatus(org, 0, engage.StatusFinished))
	require.Error(t, m.EscrowSetStatus(org, 0, engage.StatusReviewed), "terminal status is final")
	require.Error(t, m.EscrowSetStatus(org, 5, engage.StatusCompleted), "index out of range")
}

func TestLookupLatestWins(t *testing.T) {
	m := newCommittedManager(t)
	key := engage.LookupKey(testAddr(0x01), testAddr(0x02), "p", big.NewInt(100))

	_, ok, err := m.LookupLatest(key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.LookupAppend(key, 3))
	require.NoError(t, m.LookupAppend(key, 7))
	position, ok, err := m.LookupLatest(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), position)
}

func TestFeePolicyRoundTrip(t *testing.T) {
	m := newCommittedManager(t)

	_, ok, err := m.FeePolicyGet()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.FeePolicyPut(fees.Policy{ProviderRate: 12, OrgRate: 4}))
	policy, ok, err := m.FeePolicyGet()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(12), policy.ProviderRate)
	require.Equal(t, uint32(4), policy.OrgRate)

	require.Error(t, m.FeePolicyPut(fees.Policy{ProviderRate: fees.MaxRatePercent + 1}))
}

func TestTransferMovesBalance(t *testing.T) {
	m := newCommittedManager(t)
	alice := testAddr(0x0A)
	bob := testAddr(0x0B)

	require.NoError(t, m.Mint(alice, big.NewInt(500)))
	require.Error(t, m.Transfer(alice, bob, big.NewInt(600)), "insufficient balance")
	require.NoError(t, m.Transfer(alice, bob, big.NewInt(200)))

	aliceAcc, err := m.GetAccount(alice)
	require.NoError(t, err)
	require.Zero(t, aliceAcc.Balance.Cmp(big.NewInt(300)))
	bobAcc, err := m.GetAccount(bob)
	require.NoError(t, err)
	require.Zero(t, bobAcc.Balance.Cmp(big.NewInt(200)))

	require.NoError(t, m.Transfer(alice, bob, nil), "nil amount is a no-op")
	require.Error(t, m.Transfer(alice, bob, big.NewInt(-1)))
}

func TestRoleMembership(t *testing.T) {
	m := newCommittedManager(t)
	arbiter := testAddr(0x0C)

	require.False(t, m.IsPrivileged(arbiter))
	require.NoError(t, m.RoleGrant(RoleArbiter, arbiter))
	require.True(t, m.IsPrivileged(arbiter))
	require.NoError(t, m.RoleGrant(RoleArbiter, arbiter), "regrant is a no-op")
	require.False(t, m.HasRole("ROLE_OTHER", arbiter))
}

func TestPendingOverlayCommitAndReset(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	org := testAddr(0x01)

	_, err := m.EscrowAppend(org, &engage.EscrowRecord{Provider: testAddr(0x02), ProjectID: "p", Status: engage.StatusHired})
	require.NoError(t, err)

	// Uncommitted writes are visible through the manager but not durable.
	list, err := m.EscrowList(org)
	require.NoError(t, err)
	require.Len(t, list, 1)

	m.Reset()
	list, err = m.EscrowList(org)
	require.NoError(t, err)
	require.Empty(t, list, "reset must discard pending writes")

	_, err = m.EscrowAppend(org, &engage.EscrowRecord{Provider: testAddr(0x02), ProjectID: "p", Status: engage.StatusHired})
	require.NoError(t, err)
	require.NoError(t, m.Commit())

	fresh := NewManager(db)
	list, err = fresh.EscrowList(org)
	require.NoError(t, err)
	require.Len(t, list, 1, "committed writes must be durable")
}

func TestSeedGenesisAppliesOnce(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	org := testAddr(0x01)
	balances := map[[20]byte]*big.Int{org: big.NewInt(5000)}

	require.NoError(t, m.Run(func() error { return m.SeedGenesis(balances) }))
	account, err := m.GetAccount(org)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5000), account.Balance)

	// A restart replays the same seeding; the marker must keep it a no-op.
	restarted := NewManager(db)
	require.NoError(t, restarted.Run(func() error { return restarted.SeedGenesis(balances) }))
	account, err = restarted.GetAccount(org)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5000), account.Balance, "genesis must not credit twice")
}
