package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/ledger/gateway"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// FindByKey returns the payment stored under key, ErrPaymentNotFound otherwise.
	FindByKey(ctx context.Context, key Key) (Payment, error)
	Get(ctx context.Context, id int64) (Payment, error)
	LeaseParties(ctx context.Context, agreementID int64) (LeaseParties, error)
	BillingTarget(ctx context.Context, billID int64) (BillingTarget, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	EffectsTx
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	// LockBilling selects the bill FOR UPDATE.
	LockBilling(ctx context.Context, billID int64) (BillingTarget, error)
	InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

// LeaseGate evaluates lease activation after payment effects committed.
type LeaseGate interface {
	Evaluate(ctx context.Context, agreementID int64) (bool, error)
}

// FeeLookup fetches the gateway fee breakdown.
type FeeLookup interface {
	Fees(ctx context.Context, paymentID string) (gateway.Fees, error)
}

// Locker hands out distributed locks. Acquire may wait a bounded time for a
// held lock and reports ok=false when it is still held.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// EventRecorder counts ledger outcomes.
type EventRecorder interface {
	RecordPaymentEvent(channel, outcome string)
}

// Option configures a Service.
type Option func(*Service)

// WithLeaseGate evaluates lease activation after deposit/advance effects.
func WithLeaseGate(gate LeaseGate) Option { return func(s *Service) { s.leases = gate } }

// WithFeeLookup enables gateway fee enrichment bounded by timeout.
func WithFeeLookup(fees FeeLookup, timeout time.Duration) Option {
	return func(s *Service) {
		s.fees = fees
		if timeout > 0 {
			s.feeTimeout = timeout
		}
	}
}

// WithLocker serialises concurrent deliveries of one gateway event.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithEventRecorder counts outcomes.
func WithEventRecorder(r EventRecorder) Option { return func(s *Service) { s.events = r } }

// WithFormatter sets the money formatter used in notification bodies.
func WithFormatter(f notify.Formatter) Option { return func(s *Service) { s.format = f } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service is the single writer of the payment ledger.
type Service struct {
	repo       RepositoryPort
	publisher  *notify.Publisher
	verifier   TokenVerifier
	logger     *slog.Logger
	leases     LeaseGate
	fees       FeeLookup
	feeTimeout time.Duration
	locker     Locker
	events     EventRecorder
	format     notify.Formatter
	now        func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, publisher *notify.Publisher, verifier TokenVerifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:       repo,
		publisher:  publisher,
		verifier:   verifier,
		logger:     logger,
		feeTimeout: 3 * time.Second,
		format:     notify.NewFormatter(""),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// maxTxAttempts bounds retries after RepeatableRead serialization failures.
const maxTxAttempts = 3

// txOutcome is what a transactional step hands back to apply.
type txOutcome struct {
	outcome Outcome
	payment Payment
	notices []notify.Notification
	// leaseID is evaluated by the lease gate after commit when non-zero.
	leaseID int64
}

// apply is the idempotency guard shared by every entry family: a fast-path
// lookup by key, the transactional write, and mapping of a unique violation
// on either key column to a replay of the stored row.
func (s *Service) apply(ctx context.Context, channel Channel, key Key, candidate Payment, replayAs Outcome,
	run func(context.Context, TxRepository) (txOutcome, error)) (Result, error) {
	if !key.Valid() {
		return Result{}, fmt.Errorf("%w: idempotency key required", shared.ErrValidation)
	}
	var (
		out txOutcome
		err error
	)
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		if res, ok, lookupErr := s.replay(ctx, key, candidate, replayAs); lookupErr != nil {
			return Result{}, lookupErr
		} else if ok {
			s.record(channel, res.Outcome)
			return res, nil
		}

		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var runErr error
			out, runErr = run(ctx, tx)
			return runErr
		})
		if err == nil || !shared.IsSerializationFailure(err) {
			break
		}
		s.logger.Warn("ledger transaction retried", slog.String("key", key.String()), slog.Int("attempt", attempt))
	}
	if err != nil {
		if shared.IsUniqueViolation(err) {
			res, ok, lookupErr := s.replay(ctx, key, candidate, replayAs)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			if ok {
				s.record(channel, res.Outcome)
				return res, nil
			}
			s.logger.Warn("unique violation on foreign key column",
				slog.String("key", key.String()),
				slog.String("constraint", shared.ViolatedConstraint(err)))
			return Result{}, ErrKeyReused
		}
		s.record(channel, "error")
		return Result{}, err
	}

	s.afterCommit(ctx, out)
	s.record(channel, out.outcome)
	res := Result{Outcome: out.outcome}
	if out.payment.ID != 0 {
		p := out.payment
		res.Payment = &p
		if p.BillID != nil {
			res.BillingID = *p.BillID
		}
	}
	return res, nil
}

// replay reports the stored outcome for key when it exists.
func (s *Service) replay(ctx context.Context, key Key, candidate Payment, replayAs Outcome) (Result, bool, error) {
	existing, err := s.repo.FindByKey(ctx, key)
	if errors.Is(err, ErrPaymentNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if key.Kind == KeyReceipt && !existing.sameSubmission(candidate) {
		return Result{}, false, ErrKeyReused
	}
	res := Result{Outcome: replayAs, Payment: &existing}
	if existing.BillID != nil {
		res.BillingID = *existing.BillID
	}
	return res, true, nil
}

// afterCommit runs the best-effort side effects of a committed transaction.
func (s *Service) afterCommit(ctx context.Context, out txOutcome) {
	msgs := make([]notify.PushMessage, 0, len(out.notices))
	for _, n := range out.notices {
		msgs = append(msgs, n.Push())
	}
	s.publisher.Publish(ctx, msgs...)
	if out.leaseID > 0 && s.leases != nil {
		if _, err := s.leases.Evaluate(context.WithoutCancel(ctx), out.leaseID); err != nil {
			s.logger.Warn("lease gate evaluation", slog.Int64("agreement_id", out.leaseID), slog.Any("error", err))
		}
	}
}

func (s *Service) record(channel Channel, outcome Outcome) {
	if s.events != nil {
		s.events.RecordPaymentEvent(string(channel), string(outcome))
	}
}

// TenantPaymentInput describes a tenant-initiated or landlord-recorded payment.
type TenantPaymentInput struct {
	AgreementID      int64
	BillID           *int64
	Type             PaymentType
	Amount           decimal.Decimal
	Status           PaymentStatus
	ReceiptReference string
	ProofURL         string
	PaymentDate      time.Time
}

func (in TenantPaymentInput) validate() error {
	var errs []error
	if in.AgreementID <= 0 {
		errs = append(errs, errors.New("agreement_id required"))
	}
	if !in.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown payment_type %q", in.Type))
	}
	if !in.Amount.IsPositive() {
		errs = append(errs, errors.New("amount_paid must be positive"))
	}
	if in.Status != "" && !in.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown payment_status %q", in.Status))
	}
	if in.ReceiptReference == "" {
		errs = append(errs, errors.New("receipt_reference required"))
	}
	if in.Type == TypeMonthlyBilling && in.BillID == nil {
		errs = append(errs, errors.New("bill_id required for monthly_billing"))
	}
	if in.Type != TypeMonthlyBilling && in.BillID != nil {
		errs = append(errs, errors.New("bill_id only applies to monthly_billing"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", shared.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// RecordTenantPayment records a payment keyed by its receipt reference.
// Resubmitting the same receipt returns the stored row without re-applying
// effects. Tenants may only submit unconfirmed payments; confirmed payments
// are recorded by the landlord and apply their effects in the same
// transaction.
func (s *Service) RecordTenantPayment(ctx context.Context, actor shared.Actor, in TenantPaymentInput) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, err
	}
	if in.Status == "" {
		in.Status = StatusPending
	}
	lease, err := s.repo.LeaseParties(ctx, in.AgreementID)
	if err != nil {
		return Result{}, err
	}
	switch {
	case actor.IsLandlordOf(lease.LandlordID):
	case actor.IsTenantOf(lease.TenantID):
		if in.Status == StatusConfirmed {
			return Result{}, fmt.Errorf("%w: tenants cannot confirm payments", shared.ErrUnauthorized)
		}
	default:
		return Result{}, fmt.Errorf("%w: not a party to agreement %d", shared.ErrUnauthorized, lease.AgreementID)
	}
	if in.BillID != nil {
		target, err := s.repo.BillingTarget(ctx, *in.BillID)
		if err != nil {
			return Result{}, err
		}
		if target.UnitID != lease.UnitID {
			return Result{}, ErrBillingNotFound
		}
	}

	now := s.now()
	paymentDate := in.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	agreementID := lease.AgreementID
	ref := in.ReceiptReference
	candidate := Payment{
		BillID:           in.BillID,
		AgreementID:      &agreementID,
		Type:             in.Type,
		Amount:           in.Amount,
		Status:           in.Status,
		ReceiptReference: &ref,
		ProofURL:         in.ProofURL,
		Channel:          ChannelTenant,
		PaymentDate:      paymentDate,
	}

	res, err := s.apply(ctx, ChannelTenant, ReceiptKey(ref), candidate, OutcomeReplayed,
		func(ctx context.Context, tx TxRepository) (txOutcome, error) {
			saved, err := tx.InsertPayment(ctx, candidate)
			if err != nil {
				return txOutcome{}, err
			}
			out := txOutcome{outcome: OutcomeApplied, payment: saved}
			if saved.Status == StatusConfirmed {
				if err := ApplyConfirmed(ctx, tx, saved, lease, now); err != nil {
					return txOutcome{}, err
				}
				if saved.Type != TypeMonthlyBilling {
					out.leaseID = lease.AgreementID
				}
			}
			notice, err := tx.InsertNotification(ctx, s.tenantPaymentNotice(actor, lease, saved))
			if err != nil {
				return txOutcome{}, err
			}
			out.notices = append(out.notices, notice)
			return out, nil
		})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeApplied {
		s.logger.Info("payment recorded",
			slog.Int64("payment_id", res.Payment.ID),
			slog.String("type", string(res.Payment.Type)),
			slog.String("status", string(res.Payment.Status)),
			slog.Int64("agreement_id", lease.AgreementID))
	}
	return res, nil
}

// tenantPaymentNotice informs the counterparty of the actor.
func (s *Service) tenantPaymentNotice(actor shared.Actor, lease LeaseParties, p Payment) notify.Notification {
	recipient, kind, title := lease.LandlordID, notify.KindPaymentReceived, "Payment submitted"
	if actor.Role != shared.RoleTenant {
		recipient = lease.TenantID
		if p.Status == StatusConfirmed {
			kind, title = notify.KindPaymentApproved, "Payment confirmed"
		}
	}
	return notify.Notification{
		UserID:  recipient,
		Kind:    kind,
		Title:   title,
		Body:    s.format.Sprintf("%s of %s (%s) is %s.", s.format.Label(string(p.Type)), s.format.Amount(p.Amount), *p.ReceiptReference, p.Status),
		RefType: "payment",
		RefID:   p.ID,
	}
}

// Get returns one payment visible to actor.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Payment, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if actor.IsPrivileged() {
		return p, nil
	}
	if p.AgreementID == nil {
		return Payment{}, ErrPaymentNotFound
	}
	lease, err := s.repo.LeaseParties(ctx, *p.AgreementID)
	if err != nil {
		return Payment{}, err
	}
	if !actor.IsLandlordOf(lease.LandlordID) && !actor.IsTenantOf(lease.TenantID) {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}
