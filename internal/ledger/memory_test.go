package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/ledger/gateway"
	"github.com/rentwise/rentwise/internal/notify"
)

type ledgerState struct {
	payments      map[int64]Payment
	bills         map[int64]BillingTarget
	leases        map[int64]LeaseParties
	flags         map[int64][2]bool
	deposits      map[int64]time.Time
	advances      map[int64]time.Time
	notices       []notify.Notification
	nextID        int64
	depositWrites int
	advanceWrites int
	billWrites    int
}

func (s ledgerState) clone() ledgerState {
	out := s
	out.payments = make(map[int64]Payment, len(s.payments))
	for k, v := range s.payments {
		out.payments[k] = v
	}
	out.bills = make(map[int64]BillingTarget, len(s.bills))
	for k, v := range s.bills {
		out.bills[k] = v
	}
	out.leases = make(map[int64]LeaseParties, len(s.leases))
	for k, v := range s.leases {
		out.leases[k] = v
	}
	out.flags = make(map[int64][2]bool, len(s.flags))
	for k, v := range s.flags {
		out.flags[k] = v
	}
	out.deposits = make(map[int64]time.Time, len(s.deposits))
	for k, v := range s.deposits {
		out.deposits[k] = v
	}
	out.advances = make(map[int64]time.Time, len(s.advances))
	for k, v := range s.advances {
		out.advances[k] = v
	}
	out.notices = append([]notify.Notification(nil), s.notices...)
	return out
}

// memoryRepo serialises transactions and discards the working copy on error.
type memoryRepo struct {
	mu             sync.Mutex
	state          ledgerState
	skipFastPath   bool
	failNotice     bool
	lookups        int
	serialFailures int
}

type memoryTx struct {
	repo  *memoryRepo
	state *ledgerState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: ledgerState{
		payments: map[int64]Payment{},
		bills:    map[int64]BillingTarget{},
		leases:   map[int64]LeaseParties{},
		flags:    map[int64][2]bool{},
		deposits: map[int64]time.Time{},
		advances: map[int64]time.Time{},
		nextID:   100,
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serialFailures > 0 {
		r.serialFailures--
		return &pgconn.PgError{Code: "40001"}
	}
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: &work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) FindByKey(ctx context.Context, key Key) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.skipFastPath {
		r.skipFastPath = false
		return Payment{}, ErrPaymentNotFound
	}
	for _, p := range r.state.payments {
		if p.Key() == key {
			return p, nil
		}
	}
	return Payment{}, ErrPaymentNotFound
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (r *memoryRepo) LeaseParties(ctx context.Context, agreementID int64) (LeaseParties, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	lp, ok := r.state.leases[agreementID]
	if !ok {
		return LeaseParties{}, ErrAgreementNotFound
	}
	return lp, nil
}

func (r *memoryRepo) BillingTarget(ctx context.Context, billID int64) (BillingTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	b, ok := r.state.bills[billID]
	if !ok {
		return BillingTarget{}, ErrBillingNotFound
	}
	return b, nil
}

func (r *memoryRepo) lookupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

func (r *memoryRepo) snapshot() ledgerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (tx *memoryTx) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	for _, existing := range tx.state.payments {
		if p.ReceiptReference != nil && existing.ReceiptReference != nil && *p.ReceiptReference == *existing.ReceiptReference {
			return Payment{}, &pgconn.PgError{Code: "23505", ConstraintName: "payments_receipt_reference_key"}
		}
		if p.GatewayTransactionRef != nil && existing.GatewayTransactionRef != nil && *p.GatewayTransactionRef == *existing.GatewayTransactionRef {
			return Payment{}, &pgconn.PgError{Code: "23505", ConstraintName: "payments_gateway_transaction_ref_key"}
		}
	}
	tx.state.nextID++
	p.ID = tx.state.nextID
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	tx.state.payments[p.ID] = p
	return p, nil
}

func (tx *memoryTx) LockBilling(ctx context.Context, billID int64) (BillingTarget, error) {
	b, ok := tx.state.bills[billID]
	if !ok {
		return BillingTarget{}, ErrBillingNotFound
	}
	return b, nil
}

func (tx *memoryTx) InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	if tx.repo.failNotice {
		return notify.Notification{}, errors.New("notifications: disk full")
	}
	tx.state.nextID++
	n.ID = tx.state.nextID
	tx.state.notices = append(tx.state.notices, n)
	return n, nil
}

func (tx *memoryTx) MarkDepositPaid(ctx context.Context, agreementID int64, amount decimal.Decimal, at time.Time) error {
	tx.state.depositWrites++
	if _, ok := tx.state.deposits[agreementID]; !ok {
		tx.state.deposits[agreementID] = at
	}
	return nil
}

func (tx *memoryTx) MarkAdvancePaid(ctx context.Context, agreementID int64, amount decimal.Decimal, at time.Time) error {
	tx.state.advanceWrites++
	if _, ok := tx.state.advances[agreementID]; !ok {
		tx.state.advances[agreementID] = at
	}
	return nil
}

func (tx *memoryTx) SetLeaseFlags(ctx context.Context, agreementID int64, deposit, advance bool) error {
	if _, ok := tx.state.leases[agreementID]; !ok {
		return ErrAgreementNotFound
	}
	f := tx.state.flags[agreementID]
	f[0] = f[0] || deposit
	f[1] = f[1] || advance
	tx.state.flags[agreementID] = f
	return nil
}

func (tx *memoryTx) MarkBillingPaid(ctx context.Context, billID, unitID int64, at time.Time) (bool, error) {
	b, ok := tx.state.bills[billID]
	if !ok || b.UnitID != unitID {
		return false, nil
	}
	tx.state.billWrites++
	b.Status = "paid"
	tx.state.bills[billID] = b
	return true, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []notify.PushMessage
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg notify.PushMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type recordingGate struct {
	mu    sync.Mutex
	calls []int64
}

func (g *recordingGate) Evaluate(ctx context.Context, agreementID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, agreementID)
	return false, nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) RecordPaymentEvent(channel, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[channel+"/"+outcome]++
}

func (c *countingRecorder) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

type stubFees struct {
	fees gateway.Fees
	err  error
}

func (s stubFees) Fees(ctx context.Context, paymentID string) (gateway.Fees, error) {
	return s.fees, s.err
}
