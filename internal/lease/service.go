package lease

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Agreement, error)
	// Requirements returns nil when the landlord never saved a checklist.
	Requirements(ctx context.Context, agreementID int64) (*Requirements, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	// Lock selects the agreement FOR UPDATE.
	Lock(ctx context.Context, id int64) (Agreement, error)
	Requirements(ctx context.Context, agreementID int64) (*Requirements, error)
	UpsertRequirements(ctx context.Context, req Requirements) error
	UpdateDates(ctx context.Context, id int64, start, end *time.Time) error
	SetDocument(ctx context.Context, id int64, documentURL string) error
	// Activate moves a pending agreement to active and reports whether it did.
	Activate(ctx context.Context, id int64, at time.Time) (bool, error)
	InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

// Setup is the checklist view of one agreement.
type Setup struct {
	Agreement    Agreement       `json:"agreement"`
	Requirements *Requirements   `json:"requirements,omitempty"`
	Checklist    []ChecklistItem `json:"checklist"`
	Complete     bool            `json:"complete"`
}

// Service evaluates and mutates lease setup.
type Service struct {
	repo      RepositoryPort
	policy    Policy
	publisher *notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the lease service.
func NewService(repo RepositoryPort, policy Policy, publisher *notify.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, policy: policy, publisher: publisher, logger: logger, now: time.Now}
}

type evaluation struct {
	activated bool
	notices   []notify.Notification
}

// maxTxAttempts bounds retries after RepeatableRead serialization failures.
const maxTxAttempts = 3

// withTx runs fn in a transaction, retrying when a concurrent writer of the
// same agreement forced a serialization failure.
func (s *Service) withTx(ctx context.Context, agreementID int64, fn func(context.Context, TxRepository) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if err == nil || !shared.IsSerializationFailure(err) {
			return err
		}
		s.logger.Warn("lease transaction retried", slog.Int64("agreement_id", agreementID), slog.Int("attempt", attempt))
	}
	return err
}

// Evaluate activates the agreement when its setup is complete. It is safe to
// call repeatedly; only the first call that sees a complete pending lease
// activates it.
func (s *Service) Evaluate(ctx context.Context, agreementID int64) (bool, error) {
	var ev evaluation
	err := s.withTx(ctx, agreementID, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.Lock(ctx, agreementID)
		if err != nil {
			return err
		}
		ev, err = s.evaluateTx(ctx, tx, a)
		return err
	})
	if err != nil {
		return false, err
	}
	s.afterCommit(ctx, agreementID, ev)
	return ev.activated, nil
}

func (s *Service) evaluateTx(ctx context.Context, tx TxRepository, a Agreement) (evaluation, error) {
	if a.Status != StatusPending {
		return evaluation{}, nil
	}
	req, err := tx.Requirements(ctx, a.ID)
	if err != nil {
		return evaluation{}, err
	}
	if !IsSetupComplete(req, a, s.policy) {
		return evaluation{}, nil
	}
	activated, err := tx.Activate(ctx, a.ID, s.now())
	if err != nil || !activated {
		return evaluation{}, err
	}
	ev := evaluation{activated: true}
	for _, userID := range []int64{a.TenantID, a.LandlordID} {
		n, err := tx.InsertNotification(ctx, notify.Notification{
			UserID:  userID,
			Kind:    notify.KindLeaseActivated,
			Title:   "Lease activated",
			Body:    fmt.Sprintf("Lease #%d is now active.", a.ID),
			RefType: "lease",
			RefID:   a.ID,
		})
		if err != nil {
			return evaluation{}, err
		}
		ev.notices = append(ev.notices, n)
	}
	return ev, nil
}

func (s *Service) afterCommit(ctx context.Context, agreementID int64, ev evaluation) {
	if !ev.activated {
		return
	}
	s.logger.Info("lease activated", slog.Int64("agreement_id", agreementID))
	msgs := make([]notify.PushMessage, 0, len(ev.notices))
	for _, n := range ev.notices {
		msgs = append(msgs, n.Push())
	}
	s.publisher.Publish(ctx, msgs...)
}

// mutate runs fn on the locked agreement and re-evaluates it in the same
// transaction.
func (s *Service) mutate(ctx context.Context, actor shared.Actor, id int64, fn func(context.Context, TxRepository, Agreement) error) (Setup, error) {
	var ev evaluation
	err := s.withTx(ctx, id, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !actor.IsLandlordOf(a.LandlordID) {
			return fmt.Errorf("%w: only the landlord may change lease %d", shared.ErrUnauthorized, id)
		}
		if err := fn(ctx, tx, a); err != nil {
			return err
		}
		if a, err = tx.Lock(ctx, id); err != nil {
			return err
		}
		ev, err = s.evaluateTx(ctx, tx, a)
		return err
	})
	if err != nil {
		return Setup{}, err
	}
	s.afterCommit(ctx, id, ev)
	return s.Setup(ctx, actor, id)
}

// SaveRequirements replaces the setup checklist of an agreement.
func (s *Service) SaveRequirements(ctx context.Context, actor shared.Actor, id int64, req Requirements) (Setup, error) {
	if !req.Other {
		req.OtherNote = ""
	}
	req.AgreementID = id
	return s.mutate(ctx, actor, id, func(ctx context.Context, tx TxRepository, _ Agreement) error {
		return tx.UpsertRequirements(ctx, req)
	})
}

// DatesInput sets the lease term.
type DatesInput struct {
	StartDate *time.Time
	EndDate   *time.Time
}

// UpdateDates sets the lease term.
func (s *Service) UpdateDates(ctx context.Context, actor shared.Actor, id int64, in DatesInput) (Setup, error) {
	if in.StartDate != nil && in.EndDate != nil && !in.EndDate.After(*in.StartDate) {
		return Setup{}, fmt.Errorf("%w: end_date must be after start_date", shared.ErrValidation)
	}
	if in.StartDate == nil && in.EndDate != nil {
		return Setup{}, fmt.Errorf("%w: end_date requires start_date", shared.ErrValidation)
	}
	return s.mutate(ctx, actor, id, func(ctx context.Context, tx TxRepository, a Agreement) error {
		if a.Status != StatusPending && in.StartDate == nil {
			return fmt.Errorf("%w: start_date cannot be cleared on a %s lease", shared.ErrConflict, a.Status)
		}
		return tx.UpdateDates(ctx, id, in.StartDate, in.EndDate)
	})
}

// AttachDocument records the URL of the signed lease agreement.
func (s *Service) AttachDocument(ctx context.Context, actor shared.Actor, id int64, documentURL string) (Setup, error) {
	u, err := url.Parse(documentURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Setup{}, fmt.Errorf("%w: document_url must be an absolute url", shared.ErrValidation)
	}
	return s.mutate(ctx, actor, id, func(ctx context.Context, tx TxRepository, _ Agreement) error {
		return tx.SetDocument(ctx, id, documentURL)
	})
}

// Setup returns the checklist view visible to the lease parties.
func (s *Service) Setup(ctx context.Context, actor shared.Actor, id int64) (Setup, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return Setup{}, err
	}
	if !actor.IsLandlordOf(a.LandlordID) && !actor.IsTenantOf(a.TenantID) {
		return Setup{}, ErrAgreementNotFound
	}
	req, err := s.repo.Requirements(ctx, id)
	if err != nil {
		return Setup{}, err
	}
	return Setup{
		Agreement:    a,
		Requirements: req,
		Checklist:    Checklist(req, a, s.policy),
		Complete:     IsSetupComplete(req, a, s.policy),
	}, nil
}
