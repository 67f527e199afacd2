package ledger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/rentwise/rentwise/internal/billing"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/shared"
)

// CallbackTokenHeader carries the gateway's shared secret.
const CallbackTokenHeader = "X-Callback-Token"

// billingRefPrefix routes external references to billing records.
const billingRefPrefix = "billing-"

// TokenVerifier checks webhook tokens. A configured value that looks like a
// bcrypt hash is compared with bcrypt, anything else in constant time.
type TokenVerifier struct {
	expected string
}

// NewTokenVerifier constructs a TokenVerifier.
func NewTokenVerifier(expected string) TokenVerifier {
	return TokenVerifier{expected: expected}
}

// Verify returns ErrInvalidToken unless token matches.
func (v TokenVerifier) Verify(token string) error {
	if v.expected == "" || token == "" {
		return ErrInvalidToken
	}
	if strings.HasPrefix(v.expected, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(v.expected), []byte(token)) != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(v.expected), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// InvoiceCallback is the "invoice paid" webhook body.
type InvoiceCallback struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"external_id"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	PaymentID      string          `json:"payment_id"`
	PaymentMethod  string          `json:"payment_method"`
	PaymentChannel string          `json:"payment_channel"`
	PaidAt         *time.Time      `json:"paid_at"`
}

// PaymentRequestCallback is the "payment request" webhook body.
type PaymentRequestCallback struct {
	Event string             `json:"event"`
	Data  PaymentRequestData `json:"data"`
}

// PaymentRequestData is the data envelope of a PaymentRequestCallback.
type PaymentRequestData struct {
	ID               string          `json:"id"`
	PaymentRequestID string          `json:"payment_request_id"`
	ReferenceID      string          `json:"reference_id"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	ChannelCode      string          `json:"channel_code"`
	Created          *time.Time      `json:"created"`
}

// gatewayEvent is the channel-neutral form of both callbacks.
type gatewayEvent struct {
	channel     Channel
	ref         string
	externalRef string
	paymentID   string
	success     bool
	failure     bool
	amount      decimal.Decimal
	paidAt      time.Time
	raw         json.RawMessage
}

// HandleInvoiceCallback processes an invoice webhook. The token is verified
// before any read or write.
func (s *Service) HandleInvoiceCallback(ctx context.Context, token string, raw []byte) (Result, error) {
	if err := s.verifier.Verify(token); err != nil {
		s.record(ChannelInvoice, "unauthorized")
		return Result{}, err
	}
	var cb InvoiceCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return Result{}, fmt.Errorf("%w: invoice callback: %v", shared.ErrValidation, err)
	}
	if cb.ID == "" || cb.ExternalID == "" {
		return Result{}, fmt.Errorf("%w: invoice callback requires id and external_id", shared.ErrValidation)
	}
	status := strings.ToUpper(cb.Status)
	amount := cb.PaidAmount
	if amount.IsZero() {
		amount = cb.Amount
	}
	ev := gatewayEvent{
		channel:     ChannelInvoice,
		ref:         cb.ID,
		externalRef: cb.ExternalID,
		paymentID:   cb.PaymentID,
		success:     status == "PAID" || status == "SETTLED",
		failure:     status == "EXPIRED",
		amount:      amount,
		raw:         json.RawMessage(raw),
	}
	if cb.PaidAt != nil {
		ev.paidAt = *cb.PaidAt
	}
	return s.handleGatewayEvent(ctx, ev)
}

// HandlePaymentRequestCallback processes a payment-request webhook.
func (s *Service) HandlePaymentRequestCallback(ctx context.Context, token string, raw []byte) (Result, error) {
	if err := s.verifier.Verify(token); err != nil {
		s.record(ChannelPaymentRequest, "unauthorized")
		return Result{}, err
	}
	var cb PaymentRequestCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return Result{}, fmt.Errorf("%w: payment request callback: %v", shared.ErrValidation, err)
	}
	ref := cb.Data.ID
	if ref == "" {
		ref = cb.Data.PaymentRequestID
	}
	if cb.Event == "" || ref == "" {
		return Result{}, fmt.Errorf("%w: payment request callback requires event and data.id", shared.ErrValidation)
	}
	ev := gatewayEvent{
		channel:     ChannelPaymentRequest,
		ref:         ref,
		externalRef: cb.Data.ReferenceID,
		paymentID:   cb.Data.ID,
		success:     cb.Event == "payment.succeeded",
		failure:     cb.Event == "payment.failed" || cb.Event == "payment.cancelled" || cb.Event == "payment.expired",
		amount:      cb.Data.Amount,
		raw:         json.RawMessage(raw),
	}
	if cb.Data.Created != nil {
		ev.paidAt = *cb.Data.Created
	}
	return s.handleGatewayEvent(ctx, ev)
}

// ParseBillingRef extracts the billing id from a billing-<id> reference.
func ParseBillingRef(ref string) (int64, bool) {
	if !strings.HasPrefix(ref, billingRefPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(ref, billingRefPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Service) ignore(ev gatewayEvent, reason string) (Result, error) {
	s.logger.Info("gateway event ignored",
		slog.String("channel", string(ev.channel)),
		slog.String("ref", ev.ref),
		slog.String("external_ref", ev.externalRef),
		slog.String("reason", reason))
	s.record(ev.channel, OutcomeIgnored)
	return Result{Outcome: OutcomeIgnored}, nil
}

func (s *Service) handleGatewayEvent(ctx context.Context, ev gatewayEvent) (Result, error) {
	billID, ok := ParseBillingRef(ev.externalRef)
	if !ok {
		return s.ignore(ev, "unrouted reference")
	}
	target, err := s.repo.BillingTarget(ctx, billID)
	if errors.Is(err, ErrBillingNotFound) {
		return s.ignore(ev, "billing record missing")
	}
	if err != nil {
		return Result{}, err
	}
	switch {
	case ev.failure:
		return s.acknowledgeFailure(ev, target)
	case !ev.success:
		return s.ignore(ev, "non-terminal event")
	}

	if target.Status == string(billing.StatusPaid) {
		s.record(ev.channel, OutcomeAlreadyPaid)
		return Result{Outcome: OutcomeAlreadyPaid, BillingID: billID}, nil
	}

	// A redis outage degrades to the unique index on the gateway ref; a lock
	// held by a live delivery past the wait is reported for redelivery.
	if s.locker != nil {
		release, obtained, err := s.locker.Acquire(ctx, shared.GatewayEventLockKey(string(ev.channel), ev.ref))
		switch {
		case err != nil:
			s.logger.Warn("gateway event lock", slog.String("ref", ev.ref), slog.Any("error", err))
		case !obtained:
			s.logger.Info("gateway event in flight", slog.String("channel", string(ev.channel)), slog.String("ref", ev.ref))
			s.record(ev.channel, "in_flight")
			return Result{}, ErrEventInFlight
		default:
			defer release()
		}
	}

	candidate := s.gatewayPayment(ctx, ev, target)
	return s.apply(ctx, ev.channel, GatewayKey(ev.ref), candidate, OutcomeDuplicate,
		func(ctx context.Context, tx TxRepository) (txOutcome, error) {
			locked, err := tx.LockBilling(ctx, billID)
			if err != nil {
				return txOutcome{}, err
			}
			if locked.Status == string(billing.StatusPaid) {
				return txOutcome{outcome: OutcomeAlreadyPaid}, nil
			}
			saved, err := tx.InsertPayment(ctx, candidate)
			if err != nil {
				return txOutcome{}, err
			}
			updated, err := tx.MarkBillingPaid(ctx, billID, locked.UnitID, saved.PaymentDate)
			if err != nil {
				return txOutcome{}, err
			}
			if !updated {
				return txOutcome{}, ErrBillingNotFound
			}
			out := txOutcome{outcome: OutcomeApplied, payment: saved}
			if lease := target.Lease; lease != nil {
				for _, n := range s.billingPaidNotices(*lease, saved) {
					inserted, err := tx.InsertNotification(ctx, n)
					if err != nil {
						return txOutcome{}, err
					}
					out.notices = append(out.notices, inserted)
				}
			}
			return out, nil
		})
}

// gatewayPayment builds the ledger row of a success event. The fee lookup
// happens outside the transaction and only ever leaves the breakdown empty.
func (s *Service) gatewayPayment(ctx context.Context, ev gatewayEvent, target BillingTarget) Payment {
	billID := target.ID
	ref := ev.ref
	paidAt := ev.paidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}
	amount := ev.amount
	if !amount.IsPositive() {
		amount = target.TotalAmountDue
	}
	p := Payment{
		BillID:                &billID,
		Type:                  TypeMonthlyBilling,
		Amount:                amount,
		Status:                StatusConfirmed,
		GatewayTransactionRef: &ref,
		RawGatewayPayload:     ev.raw,
		GrossAmount:           decimal.NewNullDecimal(amount),
		Channel:               ev.channel,
		PaymentDate:           paidAt,
	}
	if target.Lease != nil {
		agreementID := target.Lease.AgreementID
		p.AgreementID = &agreementID
	}
	if s.fees == nil || ev.paymentID == "" {
		return p
	}
	feeCtx, cancel := context.WithTimeout(ctx, s.feeTimeout)
	defer cancel()
	fees, err := s.fees.Fees(feeCtx, ev.paymentID)
	if err != nil {
		s.logger.Warn("gateway fee lookup skipped", slog.String("payment_id", ev.paymentID), slog.Any("error", err))
		return p
	}
	p.GrossAmount = decimal.NewNullDecimal(fees.Gross)
	p.GatewayFee = decimal.NewNullDecimal(fees.Fee)
	p.NetAmount = decimal.NewNullDecimal(fees.Net)
	return p
}

func (s *Service) billingPaidNotices(lease LeaseParties, p Payment) []notify.Notification {
	body := s.format.Sprintf("Billing #%d was paid: %s.", *p.BillID, s.format.Amount(p.Amount))
	return []notify.Notification{
		{UserID: lease.TenantID, Kind: notify.KindBillingPaid, Title: "Payment received", Body: body, RefType: "billing", RefID: *p.BillID},
		{UserID: lease.LandlordID, Kind: notify.KindBillingPaid, Title: "Tenant paid a bill", Body: body, RefType: "billing", RefID: *p.BillID},
	}
}

// acknowledgeFailure records a failure event without touching the bill. A
// bill only turns paid through a confirmed payment, and a confirmed payment
// is never failed afterwards, so a failure event can leave an unpaid bill
// unpaid or arrive stale after the bill was settled.
func (s *Service) acknowledgeFailure(ev gatewayEvent, target BillingTarget) (Result, error) {
	reason := "failure event on unpaid bill"
	if target.Status == string(billing.StatusPaid) {
		reason = "stale failure event on settled bill"
	}
	res, err := s.ignore(ev, reason)
	res.BillingID = target.ID
	return res, err
}
