package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rentwise/rentwise/internal/ledger/gateway"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/platform/cache"
	"github.com/rentwise/rentwise/internal/shared"
)

func invoiceBody(id, externalID, status string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"external_id":%q,"status":%q,"paid_amount":1500000,"payment_id":"pay-%s","paid_at":"2026-06-03T08:00:00Z"}`,
		id, externalID, status, id))
}

func TestInvoiceCallbackAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := invoiceBody("inv-1", "billing-55", "PAID")

	first, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, testBill, first.BillingID)
	require.NotNil(t, first.Payment)
	assert.Equal(t, ChannelInvoice, first.Payment.Channel)
	assert.Equal(t, StatusConfirmed, first.Payment.Status)
	assert.Equal(t, testAgreement, *first.Payment.AgreementID)
	assert.True(t, first.Payment.Amount.Equal(decimal.NewFromInt(1500000)))

	second, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaid, second.Outcome)

	state := f.repo.snapshot()
	assert.Len(t, state.payments, 1)
	assert.Equal(t, 1, state.billWrites)
	assert.Equal(t, "paid", state.bills[testBill].Status)
	require.Len(t, state.notices, 2)
	assert.ElementsMatch(t, []int64{testTenant, testLandlord}, []int64{state.notices[0].UserID, state.notices[1].UserID})
	assert.Equal(t, 2, f.dispatcher.count())
	assert.Equal(t, 1, f.events.get("gateway_invoice/applied"))
	assert.Equal(t, 1, f.events.get("gateway_invoice/already_paid"))
	assert.Empty(t, f.gate.calls)
}

func TestInvoiceCallbackDuplicateReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := invoiceBody("inv-2", "billing-55", "SETTLED")

	_, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
	require.NoError(t, err)

	// The bill was reopened by a later failure; the old reference still replays.
	f.repo.mu.Lock()
	b := f.repo.state.bills[testBill]
	b.Status = "unpaid"
	f.repo.state.bills[testBill] = b
	f.repo.mu.Unlock()

	res, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Len(t, f.repo.snapshot().payments, 1)

	f.repo.skipFastPath = true
	res, err = f.service.HandleInvoiceCallback(ctx, testToken, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "unpaid", f.repo.snapshot().bills[testBill].Status)
}

func TestInvoiceCallbackConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := invoiceBody("inv-race", "billing-55", "PAID")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeApplied])
	assert.Equal(t, workers-1, outcomes[OutcomeAlreadyPaid]+outcomes[OutcomeDuplicate])
	state := f.repo.snapshot()
	assert.Len(t, state.payments, 1)
	assert.Equal(t, 1, state.billWrites)
}

func TestCallbackTokenRejectedBeforeAnyRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, token := range []string{"", "wrong"} {
		_, err := f.service.HandleInvoiceCallback(ctx, token, invoiceBody("inv-3", "billing-55", "PAID"))
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, shared.ErrUnauthorized)
		_, err = f.service.HandlePaymentRequestCallback(ctx, token, []byte(`{}`))
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Zero(t, f.repo.lookups)
	assert.Empty(t, f.repo.snapshot().payments)
	assert.Equal(t, 2, f.events.get("gateway_invoice/unauthorized"))
}

func TestTokenVerifier(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	hashed := NewTokenVerifier(string(hash))
	assert.NoError(t, hashed.Verify("s3cret"))
	assert.ErrorIs(t, hashed.Verify("nope"), ErrInvalidToken)

	plain := NewTokenVerifier("s3cret")
	assert.NoError(t, plain.Verify("s3cret"))
	assert.ErrorIs(t, plain.Verify("s3cret "), ErrInvalidToken)

	assert.ErrorIs(t, NewTokenVerifier("").Verify(""), ErrInvalidToken)
}

func TestCallbackIgnoredEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string][]byte{
		"unrouted reference": invoiceBody("inv-4", "order-9", "PAID"),
		"malformed id":       invoiceBody("inv-5", "billing-abc", "PAID"),
		"missing bill":       invoiceBody("inv-6", "billing-999", "PAID"),
		"non-terminal":       invoiceBody("inv-7", "billing-55", "PENDING"),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, res.Outcome)
		})
	}
	state := f.repo.snapshot()
	assert.Empty(t, state.payments)
	assert.Equal(t, "unpaid", state.bills[testBill].Status)
}

func TestCallbackMalformedBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.HandleInvoiceCallback(ctx, testToken, []byte(`{"id":`))
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.service.HandleInvoiceCallback(ctx, testToken, []byte(`{"status":"PAID"}`))
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.service.HandlePaymentRequestCallback(ctx, testToken, []byte(`{"data":{"id":"pr-1"}}`))
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestFailureEventsNeverUnpayBills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.HandleInvoiceCallback(ctx, testToken, invoiceBody("inv-8", "billing-55", "PAID"))
	require.NoError(t, err)

	stale, err := f.service.HandleInvoiceCallback(ctx, testToken, invoiceBody("inv-9", "billing-55", "EXPIRED"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, stale.Outcome)
	assert.Equal(t, testBill, stale.BillingID)
	assert.Equal(t, "paid", f.repo.snapshot().bills[testBill].Status)

	res, err := f.service.HandlePaymentRequestCallback(ctx, testToken,
		[]byte(`{"event":"payment.failed","data":{"id":"pr-fail","reference_id":"billing-77"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, int64(77), res.BillingID)

	state := f.repo.snapshot()
	assert.Equal(t, "unpaid", state.bills[77].Status)
	assert.Equal(t, 1, state.billWrites)
	assert.Len(t, state.payments, 1)
	assert.Equal(t, 2, f.events.get("gateway_invoice/ignored")+f.events.get("gateway_payment_request/ignored"))
}

func TestPaymentRequestCallbackApplies(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":"payment.succeeded","data":{"id":"pr-1","reference_id":"billing-55","amount":1500000,"created":"2026-06-04T09:30:00Z"}}`)

	res, err := f.service.HandlePaymentRequestCallback(context.Background(), testToken, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, ChannelPaymentRequest, res.Payment.Channel)
	assert.Equal(t, "pr-1", *res.Payment.GatewayTransactionRef)
	assert.True(t, res.Payment.PaymentDate.Equal(time.Date(2026, 6, 4, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, "paid", f.repo.snapshot().bills[testBill].Status)
}

func TestGatewayFeeLookup(t *testing.T) {
	t.Run("enriches payment", func(t *testing.T) {
		fees := gateway.Fees{Gross: decimal.NewFromInt(1500000), Fee: decimal.NewFromInt(4500), Net: decimal.NewFromInt(1495500)}
		f := newFixture(t, WithFeeLookup(stubFees{fees: fees}, time.Second))
		res, err := f.service.HandleInvoiceCallback(context.Background(), testToken, invoiceBody("inv-fee", "billing-55", "PAID"))
		require.NoError(t, err)
		require.True(t, res.Payment.GatewayFee.Valid)
		assert.True(t, res.Payment.GatewayFee.Decimal.Equal(decimal.NewFromInt(4500)))
		assert.True(t, res.Payment.NetAmount.Decimal.Equal(decimal.NewFromInt(1495500)))
	})

	t.Run("lookup failure leaves breakdown empty", func(t *testing.T) {
		f := newFixture(t, WithFeeLookup(stubFees{err: errors.New("gateway down")}, time.Second))
		res, err := f.service.HandleInvoiceCallback(context.Background(), testToken, invoiceBody("inv-nofee", "billing-55", "PAID"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)
		assert.False(t, res.Payment.GatewayFee.Valid)
		assert.False(t, res.Payment.NetAmount.Valid)
		assert.True(t, res.Payment.GrossAmount.Valid)
	})
}

func newLockedFixture(t *testing.T, wait time.Duration) (fixture, *cache.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := cache.NewLocker(rdb, time.Minute, wait)
	return newFixture(t, WithLocker(locker)), locker, mr
}

func TestGatewayEventLockHeldDefersDelivery(t *testing.T) {
	f, locker, mr := newLockedFixture(t, 100*time.Millisecond)
	ctx := context.Background()
	body := invoiceBody("inv-held", "billing-55", "PAID")

	key := shared.GatewayEventLockKey(string(ChannelInvoice), "inv-held")
	release, ok, err := locker.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.service.HandleInvoiceCallback(ctx, testToken, body)
	require.ErrorIs(t, err, ErrEventInFlight)
	state := f.repo.snapshot()
	assert.Empty(t, state.payments)
	assert.Equal(t, "unpaid", state.bills[testBill].Status)
	assert.Equal(t, 1, f.events.get("gateway_invoice/in_flight"))

	release()

	res, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.False(t, mr.Exists(key))
}

func TestGatewayEventLockWaiterReplaysStoredPayment(t *testing.T) {
	f, locker, _ := newLockedFixture(t, 2*time.Second)
	ctx := context.Background()
	body := invoiceBody("inv-wait", "billing-55", "PAID")

	release, ok, err := locker.TryLock(ctx, shared.GatewayEventLockKey(string(ChannelInvoice), "inv-wait"))
	require.NoError(t, err)
	require.True(t, ok)

	type delivery struct {
		res Result
		err error
	}
	done := make(chan delivery, 1)
	go func() {
		res, err := f.service.HandleInvoiceCallback(ctx, testToken, body)
		done <- delivery{res: res, err: err}
	}()
	require.Eventually(t, func() bool { return f.repo.lookupCount() > 0 }, time.Second, 5*time.Millisecond)

	// the lock holder commits the payment before letting go
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	holder := NewService(f.repo, notify.NewPublisher(f.dispatcher, logger, time.Second), NewTokenVerifier(testToken), logger)
	first, err := holder.HandleInvoiceCallback(ctx, testToken, body)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)
	release()

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeDuplicate, got.res.Outcome)
	require.NotNil(t, got.res.Payment)
	assert.Equal(t, first.Payment.ID, got.res.Payment.ID)

	state := f.repo.snapshot()
	assert.Len(t, state.payments, 1)
	assert.Equal(t, 1, state.billWrites)
}

func TestParseBillingRef(t *testing.T) {
	id, ok := ParseBillingRef("billing-42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, ref := range []string{"", "billing-", "billing-0", "billing--1", "invoice-42", "billing-4x"} {
		_, ok := ParseBillingRef(ref)
		assert.False(t, ok, ref)
	}
}
