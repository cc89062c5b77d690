package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/payments"
)

// Authority is the payment authority as seen by the caller: the two RPCs.
// payments.Service satisfies it in-process; paymentclient.Client over HTTP.
type Authority interface {
	RequestToken(ctx context.Context) (string, error)
	SubmitCharge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error)
}

// Outcome classifies how a logical charge ended.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeInvalid   Outcome = "invalid"
)

// Result is the final result of one logical charge.
type Result struct {
	payments.ChargeResult
	ChargeID string
	Outcome  Outcome
	Attempts int
}

// Orchestrator drives the token-fetch / redeem loop for each charge.
// It is safe for concurrent use; every Charge call has its own loop, token
// and backoff state.
type Orchestrator struct {
	authority Authority
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	wait      func(ctx context.Context, d time.Duration) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for attempt and outcome events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator calling authority with cfg's retry policy.
func New(authority Authority, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		authority: authority,
		cfg:       cfg.withDefaults(),
		logger:    zerolog.Nop(),
		wait:      sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Charge authorizes one micro-charge, retrying transient failures with a
// fresh token per attempt. It always returns a result:
//   - ACCEPTED on success;
//   - TOKEN_REUSED or LIMIT_EXCEEDED as soon as the authority says so;
//   - a SIMULATED_FAILURE-shaped result once the attempt budget (or the
//     context) runs out.
func (o *Orchestrator) Charge(ctx context.Context, identity, subjectID string, amount int64) Result {
	chargeID := uuid.NewString()
	log := o.logger.With().
		Str("charge_id", chargeID).
		Str("identity", identity).
		Str("subject_id", subjectID).
		Logger()
	ctx = logger.WithContext(ctx, log)

	if o.cfg.ChargeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ChargeTimeout)
		defer cancel()
	}

	start := time.Now()
	result := o.run(ctx, log, identity, subjectID, amount)
	result.ChargeID = chargeID

	if o.metrics != nil {
		o.metrics.ObserveCharge(string(result.Outcome), result.Attempts, time.Since(start))
	}

	event := log.Info()
	if result.Outcome != OutcomeAccepted {
		event = log.Warn()
	}
	event.
		Str("outcome", string(result.Outcome)).
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Int64("cumulative_total", result.CumulativeTotal).
		Dur("duration", time.Since(start)).
		Msg("orchestrator.charge_finished")

	return result
}

func (o *Orchestrator) run(ctx context.Context, log zerolog.Logger, identity, subjectID string, amount int64) Result {
	req := payments.ChargeRequest{Identity: identity, SubjectID: subjectID, Amount: amount}
	if err := validate(req); err != nil {
		return Result{
			ChargeResult: payments.ChargeResult{
				Status:  payments.StatusSimulatedFailure,
				Message: err.Error(),
			},
			Outcome: OutcomeInvalid,
		}
	}

	schedule := newSchedule(o.cfg)
	var lastTotal int64
	var lastReason string

	attempt := 0
	for attempt < o.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			lastReason = err.Error()
			break
		}
		attempt++

		verdict, err := o.attempt(ctx, req)
		switch {
		case err == nil && verdict.Status.IsTerminal():
			outcome := OutcomeAccepted
			if verdict.Status.IsRejection() {
				outcome = OutcomeRejected
			}
			return Result{ChargeResult: verdict, Outcome: outcome, Attempts: attempt}

		case errors.Is(err, payments.ErrInvalidRequest):
			return Result{
				ChargeResult: payments.ChargeResult{
					Status:  payments.StatusSimulatedFailure,
					Message: err.Error(),
				},
				Outcome:  OutcomeInvalid,
				Attempts: attempt,
			}

		case err != nil:
			lastReason = err.Error()
			o.observeFailure("communication")

		default:
			lastReason = verdict.Message
			lastTotal = verdict.CumulativeTotal
			o.observeFailure("simulated_failure")
		}

		if attempt >= o.cfg.MaxAttempts {
			break
		}

		delay := schedule.next()
		log.Warn().
			Int("attempt", attempt).
			Int("max_attempts", o.cfg.MaxAttempts).
			Str("reason", lastReason).
			Dur("retry_delay", delay).
			Msg("orchestrator.attempt_failed")

		if err := o.wait(ctx, delay); err != nil {
			lastReason = err.Error()
			break
		}
	}

	return Result{
		ChargeResult: payments.ChargeResult{
			Status:          payments.StatusSimulatedFailure,
			Message:         fmt.Sprintf("payment could not be completed after %d attempts: %s", attempt, lastReason),
			CumulativeTotal: lastTotal,
		},
		Outcome:  OutcomeExhausted,
		Attempts: attempt,
	}
}

// attempt runs one Init -> TokenRequested -> Submitted cycle.
func (o *Orchestrator) attempt(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	token, err := o.authority.RequestToken(ctx)
	if err != nil {
		return payments.ChargeResult{}, fmt.Errorf("request token: %w", err)
	}
	if token == "" {
		return payments.ChargeResult{}, errors.New("request token: authority returned an empty token")
	}

	req.Token = token
	log := logger.FromContext(ctx)
	log.Debug().
		Str("token", logger.TruncateToken(token)).
		Msg("orchestrator.token_received")

	verdict, err := o.authority.SubmitCharge(ctx, req)
	if err != nil {
		return payments.ChargeResult{}, fmt.Errorf("submit charge: %w", err)
	}
	if !verdict.Status.Valid() {
		return payments.ChargeResult{}, fmt.Errorf("submit charge: unknown status %q", verdict.Status)
	}
	return verdict, nil
}

func (o *Orchestrator) observeFailure(reason string) {
	if o.metrics != nil {
		o.metrics.ObserveAttemptFailure(reason)
	}
}

// validate checks caller input before any token is requested.
func validate(req payments.ChargeRequest) error {
	// The token is filled in per attempt; validate everything else.
	req.Token = "pending"
	return req.Validate()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
