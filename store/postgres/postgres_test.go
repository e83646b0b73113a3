package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/kitchen"
	"github.com/warp/restaurant-engine/payment"
	"github.com/warp/restaurant-engine/store/postgres"
	"github.com/warp/restaurant-engine/wallet"
)

var manager = generic.Actor{ID: "mgr-1", Roles: generic.NewRoleSet(generic.RoleManager)}

func aoa(s string) generic.Amount { return generic.MustAmount(s, generic.CurrencyAOA) }

// newStore connects to POSTGRES_TEST_URL. Rows use fresh uuids, so tests
// share one database without truncating.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	s, err := postgres.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubOrders_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	st := newStore(t).SubOrders()
	id := uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)

	created, err := st.CreateSubOrder(ctx, kitchen.SubOrder{ID: id, OrderID: uuid.NewString(), Status: kitchen.StatusPending, CreatedAt: at, UpdatedAt: at})
	require.NoError(t, err)

	next := created.Value
	next.Status = kitchen.StatusInPreparation
	version, err := st.Commit(ctx, id, 1, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	_, err = st.Commit(ctx, id, 1, next)
	assert.ErrorIs(t, err, generic.ErrVersionConflict)

	_, err = st.Commit(ctx, uuid.NewString(), 1, next)
	assert.True(t, generic.IsNotFound(err))

	loaded, err := st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, kitchen.StatusInPreparation, loaded.Value.Status)
	assert.True(t, at.Equal(loaded.Value.CreatedAt))
}

func TestWallets_ConcurrentDebitsSameOrder_ExactlyOneCharge(t *testing.T) {
	ctx := context.Background()
	ledger := wallet.NewLedger(newStore(t).Wallets(), wallet.Options{})

	w, err := ledger.Open(ctx, uuid.NewString(), generic.CurrencyAOA)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, wallet.CreditRequest{WalletID: w.ID, Amount: aoa("50000.00"), Source: "seed", Actor: manager})
	require.NoError(t, err)

	orderID := uuid.NewString()
	results := make([]wallet.DebitResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ledger.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: orderID, Amount: aoa("25000.00"), Actor: manager})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	outcomes := map[wallet.DebitOutcome]int{}
	for _, res := range results {
		outcomes[res.Outcome]++
	}
	assert.Equal(t, 1, outcomes[wallet.Debited])
	assert.Equal(t, 1, outcomes[wallet.AlreadyDebited])

	got, err := ledger.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "25000.00", got.Value.Balance.String())
}

func TestPayments_ReferenceIsUnique(t *testing.T) {
	ctx := context.Background()
	st := newStore(t).Payments()
	ref := uuid.NewString()
	at := time.Now().UTC()

	p := payment.Payment{ID: uuid.NewString(), ExternalReference: ref, Status: payment.StatusPending,
		Purpose: payment.PurposeOrder, Amount: aoa("12.50"), OrderID: "o-1", CreatedAt: at, UpdatedAt: at}
	_, err := st.CreatePayment(ctx, p)
	require.NoError(t, err)

	p.ID = uuid.NewString()
	_, err = st.CreatePayment(ctx, p)
	assert.ErrorIs(t, err, generic.ErrDuplicateKey)

	found, ok, err := st.FindByExternalReference(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12.50", found.Value.Amount.String())
}
