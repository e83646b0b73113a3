package wallet_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/generic/store"
	"github.com/warp/restaurant-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	client  = generic.Actor{ID: "client-1", Roles: generic.NewRoleSet(generic.RoleClient)}
	manager = generic.Actor{ID: "mgr-1", Roles: generic.NewRoleSet(generic.RoleManager)}
)

func aoa(s string) generic.Amount { return generic.MustAmount(s, generic.CurrencyAOA) }

func newTestLedger(t *testing.T) (*wallet.Ledger, *wallet.MemoryStore, *store.AuditLog) {
	t.Helper()
	st := wallet.NewMemoryStore()
	audit := store.NewAuditLog()
	return wallet.NewLedger(st, wallet.Options{Audit: audit}), st, audit
}

// fundedWallet opens a wallet and credits it once.
func fundedWallet(t *testing.T, l *wallet.Ledger, clientID, balance string) generic.Record[wallet.Wallet] {
	t.Helper()
	ctx := context.Background()
	w, err := l.Open(ctx, clientID, generic.CurrencyAOA)
	require.NoError(t, err)
	if balance == "" {
		return w
	}
	res, err := l.Credit(ctx, wallet.CreditRequest{WalletID: w.ID, Amount: aoa(balance), Source: "seed", Actor: manager})
	require.NoError(t, err)
	require.Equal(t, wallet.Credited, res.Outcome)
	return res.Wallet
}

func countKind(txs []wallet.Transaction, kind wallet.Kind) int {
	n := 0
	for _, tx := range txs {
		if tx.Kind == kind {
			n++
		}
	}
	return n
}

// =============================================================================
// OPEN / GET
// =============================================================================

func TestLedger_Open_EmptyActiveWallet(t *testing.T) {
	l, _, _ := newTestLedger(t)

	w, err := l.Open(context.Background(), "client-1", generic.CurrencyAOA)

	require.NoError(t, err)
	assert.True(t, w.Value.Active)
	assert.True(t, w.Value.Balance.IsZero())
	assert.Equal(t, int64(1), w.Version)
}

func TestLedger_Open_OneWalletPerClient(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "client-1", generic.CurrencyAOA)
	require.NoError(t, err)

	_, err = l.Open(ctx, "client-1", generic.CurrencyAOA)

	assert.ErrorIs(t, err, generic.ErrDuplicateKey)
}

// =============================================================================
// DEBIT
// =============================================================================

func TestLedger_Debit_CommitsTransactionAndBalance(t *testing.T) {
	l, _, audit := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "100.00")
	ctx := context.Background()

	res, err := l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: "order-1", Amount: aoa("40.50"), Actor: client})

	require.NoError(t, err)
	assert.Equal(t, wallet.Debited, res.Outcome)
	assert.Equal(t, generic.KindNone, res.Kind())
	assert.Equal(t, "59.50", res.Wallet.Value.Balance.String())
	assert.Equal(t, "59.50", res.Transaction.BalanceAfter.String())
	assert.Equal(t, "order-1", res.Transaction.OrderID)

	history, err := l.History(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Len(t, audit.Records(), 2)
}

func TestLedger_Debit_ExactBalanceIsSufficient(t *testing.T) {
	l, _, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "25.00")

	res, err := l.Debit(context.Background(), wallet.DebitRequest{WalletID: w.ID, OrderID: "o", Amount: aoa("25.00")})

	require.NoError(t, err)
	assert.Equal(t, wallet.Debited, res.Outcome)
	assert.True(t, res.Wallet.Value.Balance.IsZero())
}

func TestLedger_Debit_InsufficientFundsWritesNothing(t *testing.T) {
	// GIVEN: A wallet with 10.00
	l, st, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "10.00")
	ctx := context.Background()

	// WHEN: Debiting 10.01
	res, err := l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: "o", Amount: aoa("10.01")})

	// THEN: Rejected, no transaction, balance and version unchanged
	require.NoError(t, err)
	assert.Equal(t, wallet.InsufficientFunds, res.Outcome)
	assert.Equal(t, generic.KindInsufficientFunds, res.Kind())

	rec, err := st.Load(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Version, rec.Version)
	assert.Equal(t, "10.00", rec.Value.Balance.String())
	txs, err := st.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, countKind(txs, wallet.KindDebit))
}

func TestLedger_Debit_SameOrderTwiceIsAlreadyDebited(t *testing.T) {
	l, _, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "100.00")
	ctx := context.Background()
	req := wallet.DebitRequest{WalletID: w.ID, OrderID: "order-1", Amount: aoa("30.00")}

	first, err := l.Debit(ctx, req)
	require.NoError(t, err)
	second, err := l.Debit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, wallet.AlreadyDebited, second.Outcome)
	assert.True(t, second.Kind().IsSuccess())
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, "70.00", second.Wallet.Value.Balance.String())
}

func TestLedger_Debit_InvalidInput(t *testing.T) {
	l, _, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "100.00")
	ctx := context.Background()

	_, err := l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, Amount: aoa("1.00")})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: "o", Amount: aoa("0")})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: "o", Amount: generic.MustAmount("1", "USD")})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = l.Debit(ctx, wallet.DebitRequest{WalletID: "ghost", OrderID: "o", Amount: aoa("1")})
	assert.True(t, generic.IsNotFound(err))
}

func TestLedger_SubMinorAmountsAreRejected(t *testing.T) {
	// GIVEN: A wallet holding 10.00
	l, st, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "10.00")
	ctx := context.Background()
	tiny := generic.NewAmount(decimal.RequireFromString("0.004"), generic.CurrencyAOA)

	// WHEN: Amounts finer than the minor unit reach the ledger unrounded
	_, debitErr := l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: "order-1", Amount: tiny, Actor: client})
	_, creditErr := l.Credit(ctx, wallet.CreditRequest{WalletID: w.ID, Amount: tiny, Source: "bonus", Actor: manager})
	_, reverseErr := l.Reverse(ctx, wallet.ReverseRequest{WalletID: w.ID, Amount: tiny, IdempotencyKey: "refund:r1", Actor: manager})

	// THEN: Every one is invalid and nothing is written
	assert.ErrorIs(t, debitErr, generic.ErrInvalidAmount)
	assert.ErrorIs(t, creditErr, generic.ErrInvalidAmount)
	assert.ErrorIs(t, reverseErr, generic.ErrInvalidAmount)

	got, err := l.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", got.Value.Balance.String())
	txs, err := st.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestLedger_Debit_InactiveWallet(t *testing.T) {
	l, _, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "100.00")
	ctx := context.Background()
	_, err := l.SetActive(ctx, w.ID, false, manager)
	require.NoError(t, err)

	res, err := l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: "o", Amount: aoa("1")})

	require.NoError(t, err)
	assert.Equal(t, wallet.DebitInactive, res.Outcome)
	assert.Equal(t, generic.KindInactive, res.Kind())
}

// =============================================================================
// CONCURRENT DEBITS
// =============================================================================

func TestLedger_ConcurrentDebitsSameOrder_ExactlyOneCharge(t *testing.T) {
	// GIVEN: A wallet holding 50000.00
	l, st, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "50000.00")
	ctx := context.Background()

	// WHEN: Two debits of 25000.00 for order X race
	results := make([]wallet.DebitResult, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: "order-X", Amount: aoa("25000.00")})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	close(start)
	wg.Wait()

	// THEN: Balance 25000.00, one DEBIT, the loser sees the winner's charge
	outcomes := map[wallet.DebitOutcome]int{}
	for _, r := range results {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, 1, outcomes[wallet.Debited])
	assert.Equal(t, 1, outcomes[wallet.AlreadyDebited])
	assert.Equal(t, results[0].Transaction.ID, results[1].Transaction.ID)

	rec, err := st.Load(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "25000.00", rec.Value.Balance.String())
	txs, err := st.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(txs, wallet.KindDebit))
}

func TestLedger_ConcurrentDebitsManyOrders_NeverNegative(t *testing.T) {
	// GIVEN: 100.00 and twenty different orders of 10.00 each
	st := wallet.NewMemoryStore()
	l := wallet.NewLedger(st, wallet.Options{Retry: generic.RetryPolicy{MaxAttempts: 10}})
	w := fundedWallet(t, l, "client-1", "100.00")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, wallet.DebitRequest{WalletID: w.ID, OrderID: string(rune('a' + i)), Amount: aoa("10.00")})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// THEN: Balance equals credits minus committed debits and never dips below zero
	rec, err := st.Load(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, rec.Value.Balance.IsNegative())
	txs, err := st.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	sum := generic.ZeroAmount(generic.CurrencyAOA)
	for _, tx := range txs {
		if tx.Kind == wallet.KindCredit {
			sum = sum.Add(tx.Amount)
		} else {
			sum = sum.Sub(tx.Amount)
		}
	}
	assert.True(t, sum.Equal(rec.Value.Balance), "ledger sum %s != balance %s", sum, rec.Value.Balance)
	assert.LessOrEqual(t, countKind(txs, wallet.KindDebit), 10)
}

// =============================================================================
// CREDIT / REVERSE
// =============================================================================

func TestLedger_Credit_IdempotencyKeyAppliesOnce(t *testing.T) {
	l, _, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "")
	ctx := context.Background()
	req := wallet.CreditRequest{WalletID: w.ID, Amount: aoa("500"), Source: "payment:ref-1", IdempotencyKey: "ref-1"}

	first, err := l.Credit(ctx, req)
	require.NoError(t, err)
	second, err := l.Credit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, wallet.Credited, first.Outcome)
	assert.Equal(t, wallet.AlreadyApplied, second.Outcome)
	assert.Equal(t, generic.KindDuplicate, second.Kind())
	assert.Equal(t, "500.00", second.Wallet.Value.Balance.String())
}

func TestLedger_Credit_KeyFromAnotherWalletIsError(t *testing.T) {
	l, _, _ := newTestLedger(t)
	a := fundedWallet(t, l, "client-a", "")
	b := fundedWallet(t, l, "client-b", "")
	ctx := context.Background()
	_, err := l.Credit(ctx, wallet.CreditRequest{WalletID: a.ID, Amount: aoa("5"), IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = l.Credit(ctx, wallet.CreditRequest{WalletID: b.ID, Amount: aoa("5"), IdempotencyKey: "k"})

	assert.ErrorIs(t, err, generic.ErrDuplicateKey)
}

func TestLedger_Reverse_CompensatesOnce(t *testing.T) {
	l, _, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "80.00")
	ctx := context.Background()
	req := wallet.ReverseRequest{WalletID: w.ID, Amount: aoa("30.00"), IdempotencyKey: "refund:ref-1", Source: "refund"}

	first, err := l.Reverse(ctx, req)
	require.NoError(t, err)
	second, err := l.Reverse(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, wallet.Debited, first.Outcome)
	assert.Equal(t, wallet.AlreadyDebited, second.Outcome)
	assert.Equal(t, "50.00", second.Wallet.Value.Balance.String())
}

func TestLedger_Reverse_InsufficientFunds(t *testing.T) {
	l, _, _ := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "10.00")

	res, err := l.Reverse(context.Background(), wallet.ReverseRequest{WalletID: w.ID, Amount: aoa("30.00"), IdempotencyKey: "refund:r"})

	require.NoError(t, err)
	assert.Equal(t, wallet.InsufficientFunds, res.Outcome)
}

// =============================================================================
// SET ACTIVE
// =============================================================================

func TestLedger_SetActive(t *testing.T) {
	l, _, audit := newTestLedger(t)
	w := fundedWallet(t, l, "client-1", "")
	ctx := context.Background()

	res, err := l.SetActive(ctx, w.ID, false, client)
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, generic.KindForbidden, res.Rejection.Kind)

	res, err = l.SetActive(ctx, w.ID, false, manager)
	require.NoError(t, err)
	assert.Nil(t, res.Rejection)
	assert.False(t, res.Wallet.Value.Active)
	assert.Equal(t, int64(2), res.Wallet.Version)

	res, err = l.SetActive(ctx, w.ID, false, manager)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Wallet.Version)
	assert.Len(t, audit.Records(), 1)
}
