package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	// Service exposes the escrow lifecycle: create, release, refund,
	// publish, and custody transfer of release authorizations
	Service struct {
		store   *Store
		exec    *Executor
		clock   TimeSource
		metrics *Metrics
		logger  *zap.Logger
		tracer  trace.Tracer
	}

	// Option configures a Service
	Option func(*Service)
)

const tracerName = "github.com/logistic-platform/logistics-contract"

// WithClock sets the TimeSource refunds are evaluated against
func WithClock(clock TimeSource) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMetrics sets where operation metrics are recorded
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger overrides the Vault's logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(store *Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		clock:  SystemTime(),
		logger: store.vault.logger,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.logger = s.logger.Named("service")
	s.exec = NewExecutor(store, s.clock, s.metrics)
	return s
}

// Executor returns the Executor the Service commits through
func (s *Service) Executor() *Executor {
	return s.exec
}

// CreateEscrow opens an account holding req.Amount for req.Payee and mints
// the Authorization that can release it. The payer holds the Authorization
// until it is transferred
func (s *Service) CreateEscrow(
	ctx context.Context, payer Address, req CreateRequest,
) (_ *Account, _ *Authorization, err error) {
	ctx, done := s.begin(ctx, opCreate, attribute.String("payer", string(payer)))
	defer func() { done(err) }()

	if err := req.Validate(payer); err != nil {
		return nil, nil, err
	}

	id := AccountID(uuid.NewString())
	auth := Authorization{
		ID:        AuthorizationID(uuid.NewString()),
		AccountID: id,
		Holder:    payer,
	}

	acc, err := s.exec.Exec(ctx, id, func(acc *Account, ag *Aggregator) error {
		if acc.Exists() {
			return ErrAccountExists
		}
		ag.MintAuthorization(auth)
		return ag.Raise(EventCreated, Created{
			ID:          id,
			ReferenceID: req.ReferenceID,
			Amount:      req.Amount,
			Payer:       payer,
			Payee:       req.Payee,
			Deadline:    req.Deadline,
			CreatedAt:   ag.Now(),
		})
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("escrow created",
		zap.String("account_id", string(id)),
		zap.String("reference_id", req.ReferenceID),
		zap.Int64("amount", req.Amount),
		zap.String("payer", string(payer)),
		zap.String("payee", string(req.Payee)),
		zap.Stringer("deadline", req.Deadline),
	)
	return clone(acc), &auth, nil
}

// ReleasePayment settles the account to its payee. The caller's identity is
// irrelevant: presenting a live Authorization bound to the account is the
// whole check. On success auth is destroyed and can never be used again
func (s *Service) ReleasePayment(
	ctx context.Context, id AccountID, auth *Authorization,
) (_ *Account, err error) {
	ctx, done := s.begin(ctx, opRelease, attribute.String("account_id", string(id)))
	defer func() { done(err) }()

	acc, err := s.exec.Exec(ctx, id, func(acc *Account, ag *Aggregator) error {
		if err := acc.checkActive(); err != nil {
			return err
		}
		if !auth.IsLive() || auth.AccountID != acc.ID {
			return ErrUnauthorized
		}
		ag.ConsumeAuthorization(auth.ID)
		ag.Credit(acc.Payee, acc.Balance)
		return ag.Raise(EventReleased, Released{
			ID:          acc.ID,
			ReferenceID: acc.ReferenceID,
			Amount:      acc.Balance,
			Recipient:   acc.Payee,
			SettledAt:   ag.Now(),
		})
	})
	if err != nil {
		return nil, err
	}

	auth.destroy()
	s.logger.Info("escrow released",
		zap.String("account_id", string(acc.ID)),
		zap.String("reference_id", acc.ReferenceID),
		zap.Int64("amount", acc.HeldAmount),
		zap.String("recipient", string(acc.Payee)),
	)
	return clone(acc), nil
}

// RefundPayment returns the funds to the payer. Only the payer may refund,
// and only once the TimeSource reports a time strictly after the deadline
func (s *Service) RefundPayment(
	ctx context.Context, id AccountID, caller Address,
) (_ *Account, err error) {
	ctx, done := s.begin(ctx, opRefund, attribute.String("account_id", string(id)))
	defer func() { done(err) }()

	acc, err := s.exec.Exec(ctx, id, func(acc *Account, ag *Aggregator) error {
		if err := acc.checkActive(); err != nil {
			return err
		}
		if caller != acc.Payer {
			return ErrUnauthorized
		}
		if !ag.Now().After(acc.Deadline) {
			return fmt.Errorf("%w: now %s, deadline %s",
				ErrDeadlineNotReached, ag.Now(), acc.Deadline,
			)
		}
		ag.Credit(acc.Payer, acc.Balance)
		return ag.Raise(EventRefunded, Refunded{
			ID:          acc.ID,
			ReferenceID: acc.ReferenceID,
			Amount:      acc.Balance,
			Recipient:   acc.Payer,
			SettledAt:   ag.Now(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow refunded",
		zap.String("account_id", string(acc.ID)),
		zap.String("reference_id", acc.ReferenceID),
		zap.Int64("amount", acc.HeldAmount),
		zap.String("recipient", string(acc.Payer)),
	)
	return clone(acc), nil
}

// PublishAccount adds an active account to the shared directory. Only the
// payer may publish, and only once
func (s *Service) PublishAccount(
	ctx context.Context, id AccountID, caller Address,
) (_ *Account, err error) {
	ctx, done := s.begin(ctx, opPublish, attribute.String("account_id", string(id)))
	defer func() { done(err) }()

	acc, err := s.exec.Exec(ctx, id, func(acc *Account, ag *Aggregator) error {
		if err := acc.checkActive(); err != nil {
			return err
		}
		if caller != acc.Payer {
			return ErrUnauthorized
		}
		if acc.Shared {
			return ErrAlreadyPublished
		}
		ag.Share()
		return ag.Raise(EventPublished, Published{ID: acc.ID, By: caller})
	})
	if err != nil {
		return nil, err
	}
	return clone(acc), nil
}

// TransferAuthorization hands custody of auth from caller, who must be its
// current holder, to recipient. The account binding never changes, and an
// authorization whose account has settled cannot change hands
func (s *Service) TransferAuthorization(
	ctx context.Context, auth *Authorization, caller, recipient Address,
) (err error) {
	ctx, done := s.begin(ctx, opTransfer)
	defer func() { done(err) }()

	if !auth.IsLive() {
		return ErrAuthorizationNotFound
	}
	if strings.TrimSpace(string(recipient)) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if err := s.checkBound(ctx, auth); err != nil {
		return err
	}
	if err := s.store.TransferAuthorization(
		ctx, auth.ID, caller, recipient,
	); err != nil {
		return err
	}

	auth.Holder = recipient
	s.logger.Info("authorization transferred",
		zap.String("account_id", string(auth.AccountID)),
		zap.String("from", string(caller)),
		zap.String("to", string(recipient)),
	)
	return nil
}

// Account returns the current state of an account, settled or not
func (s *Service) Account(ctx context.Context, id AccountID) (*Account, error) {
	acc, err := s.exec.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !acc.Exists() {
		return nil, ErrAccountNotFound
	}
	return clone(acc), nil
}

// Authorization returns a live authorization by ID. An authorization whose
// account has settled can never release anything and is reported as
// ErrAuthorizationNotFound
func (s *Service) Authorization(
	ctx context.Context, id AuthorizationID,
) (*Authorization, error) {
	auth, err := s.store.GetAuthorization(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkBound(ctx, auth); err != nil {
		return nil, err
	}
	return auth, nil
}

// checkBound makes sure the account auth is bound to can still be released
func (s *Service) checkBound(ctx context.Context, auth *Authorization) error {
	acc, err := s.exec.Load(ctx, auth.AccountID)
	if err != nil {
		return err
	}
	if !acc.IsActive() {
		return ErrAuthorizationNotFound
	}
	return nil
}

// Payouts returns the total amount settled to the given party
func (s *Service) Payouts(ctx context.Context, to Address) (int64, error) {
	return s.store.Payouts(ctx, to)
}

// ListAccounts lists the IDs of every account ever created
func (s *Service) ListAccounts(ctx context.Context) ([]AccountID, error) {
	return s.store.ListAccounts(ctx)
}

// SharedAccounts lists the IDs of published accounts
func (s *Service) SharedAccounts(ctx context.Context) ([]AccountID, error) {
	return s.store.SharedAccounts(ctx)
}

// ReadFeed returns up to count public feed records committed after the given
// stream ID
func (s *Service) ReadFeed(
	ctx context.Context, after string, count int64,
) ([]*Record, error) {
	return s.store.ReadFeed(ctx, after, count)
}

// Hibernate moves a settled account to cold storage
func (s *Service) Hibernate(ctx context.Context, id AccountID) error {
	return s.store.Hibernate(ctx, id)
}

func (s *Service) begin(
	ctx context.Context, op string, attrs ...attribute.KeyValue,
) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "escrow."+op,
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		s.metrics.observe(op, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, reason(err))
			s.logger.Debug("operation rejected",
				zap.String("operation", op),
				zap.String("reason", reason(err)),
				zap.Error(err),
			)
		}
		span.End()
	}
}

func clone(acc *Account) *Account {
	res := *acc
	return &res
}
