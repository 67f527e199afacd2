// Package review moves pending payments to a terminal status.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentwise/rentwise/internal/ledger"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/shared"
)

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ErrAlreadyDecided is returned when the payment already reached a terminal status.
var ErrAlreadyDecided = fmt.Errorf("%w: payment already decided", shared.ErrConflict)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	ledger.EffectsTx
	// LockPayment selects the payment FOR UPDATE.
	LockPayment(ctx context.Context, id int64) (ledger.Payment, error)
	LeaseParties(ctx context.Context, agreementID int64) (ledger.LeaseParties, error)
	SetDecision(ctx context.Context, id int64, status ledger.PaymentStatus, reviewerID int64, at time.Time, note string) (ledger.Payment, error)
	InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

// Service applies approve and reject decisions.
type Service struct {
	repo      RepositoryPort
	publisher *notify.Publisher
	leases    ledger.LeaseGate
	events    ledger.EventRecorder
	format    notify.Formatter
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the review service. leases and events may be nil.
func NewService(repo RepositoryPort, publisher *notify.Publisher, leases ledger.LeaseGate, events ledger.EventRecorder, format notify.Formatter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		leases:    leases,
		events:    events,
		format:    format,
		logger:    logger,
		now:       time.Now,
	}
}

// Approve confirms a pending payment and applies its effects.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, paymentID int64, note string) (ledger.Payment, error) {
	return s.decide(ctx, actor, paymentID, note, DecisionApprove)
}

// Reject fails a pending payment. A bound bill goes back to unpaid unless
// another confirmed payment settles it.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, paymentID int64, note string) (ledger.Payment, error) {
	return s.decide(ctx, actor, paymentID, note, DecisionReject)
}

const maxTxAttempts = 3

type decided struct {
	payment ledger.Payment
	notice  notify.Notification
	leaseID int64
}

func (s *Service) decide(ctx context.Context, actor shared.Actor, paymentID int64, note string, decision Decision) (ledger.Payment, error) {
	if paymentID <= 0 {
		return ledger.Payment{}, fmt.Errorf("%w: payment id required", shared.ErrValidation)
	}
	var (
		out decided
		err error
	)
	// A concurrent decision on the same row surfaces as a serialization
	// failure; the retry then observes the terminal status.
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var txErr error
			out, txErr = s.decideTx(ctx, tx, actor, paymentID, note, decision)
			return txErr
		})
		if err == nil || !shared.IsSerializationFailure(err) {
			break
		}
	}
	if err != nil {
		s.record(decision, "error")
		return ledger.Payment{}, err
	}

	s.publisher.Publish(ctx, out.notice.Push())
	if out.leaseID > 0 && s.leases != nil {
		if _, err := s.leases.Evaluate(context.WithoutCancel(ctx), out.leaseID); err != nil {
			s.logger.Warn("lease gate evaluation", slog.Int64("agreement_id", out.leaseID), slog.Any("error", err))
		}
	}
	s.record(decision, string(out.payment.Status))
	s.logger.Info("payment reviewed",
		slog.Int64("payment_id", out.payment.ID),
		slog.String("decision", string(decision)),
		slog.Int64("reviewer_id", actor.UserID))
	return out.payment, nil
}

func (s *Service) decideTx(ctx context.Context, tx TxRepository, actor shared.Actor, paymentID int64, note string, decision Decision) (decided, error) {
	p, err := tx.LockPayment(ctx, paymentID)
	if err != nil {
		return decided{}, err
	}
	if p.AgreementID == nil {
		return decided{}, fmt.Errorf("%w: payment %d is not bound to a lease", shared.ErrConflict, p.ID)
	}
	lease, err := tx.LeaseParties(ctx, *p.AgreementID)
	if err != nil {
		return decided{}, err
	}
	if !actor.IsLandlordOf(lease.LandlordID) {
		return decided{}, fmt.Errorf("%w: only the landlord may review payment %d", shared.ErrUnauthorized, p.ID)
	}
	if p.Status.Terminal() {
		return decided{}, ErrAlreadyDecided
	}

	now := s.now()
	var out decided
	status := ledger.StatusFailed
	switch decision {
	case DecisionApprove:
		status = ledger.StatusConfirmed
		if err := ledger.ApplyConfirmed(ctx, tx, p, lease, now); err != nil {
			return decided{}, err
		}
		if p.Type != ledger.TypeMonthlyBilling {
			out.leaseID = lease.AgreementID
		}
	case DecisionReject:
		// A pending payment never settled its bill, so there is nothing to
		// revert; any paid status comes from another confirmed payment.
	default:
		return decided{}, fmt.Errorf("%w: unknown decision %q", shared.ErrValidation, decision)
	}

	out.payment, err = tx.SetDecision(ctx, p.ID, status, actor.UserID, now, note)
	if err != nil {
		return decided{}, err
	}
	out.notice, err = tx.InsertNotification(ctx, s.notice(lease, out.payment, note))
	if err != nil {
		return decided{}, err
	}
	return out, nil
}

func (s *Service) notice(lease ledger.LeaseParties, p ledger.Payment, note string) notify.Notification {
	kind, title := notify.KindPaymentApproved, "Payment approved"
	if p.Status != ledger.StatusConfirmed {
		kind, title = notify.KindPaymentRejected, "Payment rejected"
	}
	body := s.format.Sprintf("%s of %s was %s.", s.format.Label(string(p.Type)), s.format.Amount(p.Amount), p.Status)
	if note != "" {
		body += " " + note
	}
	return notify.Notification{UserID: lease.TenantID, Kind: kind, Title: title, Body: body, RefType: "payment", RefID: p.ID}
}

func (s *Service) record(decision Decision, outcome string) {
	if s.events != nil {
		s.events.RecordPaymentEvent(string(ledger.ChannelReview), string(decision)+"_"+outcome)
	}
}
