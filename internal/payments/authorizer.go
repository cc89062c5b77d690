package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/CedrosPay/microcharge/internal/ledger"
	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
)

// Ledger is the subset of ledger operations the authorizer relies on.
type Ledger interface {
	IsUsed(token string) bool
	Claim(token string) bool
	Release(token string)
	MarkUsed(token string)
	TotalFor(identity string) int64
	TryAccumulate(identity string, amount, limit int64) (bool, int64)
	Stats() ledger.Stats
}

// Authorizer turns redemption requests into verdicts against the ledger.
// It never retries; retry policy belongs to the caller.
type Authorizer struct {
	ledger   Ledger
	cap      int64
	injector FailureInjector
	stage    Stage
	metrics  *metrics.Metrics
}

// AuthorizerOption customizes an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithInjector sets the failure injection strategy and where it runs.
func WithInjector(injector FailureInjector, stage Stage) AuthorizerOption {
	return func(a *Authorizer) {
		if injector != nil {
			a.injector = injector
		}
		if stage != "" {
			a.stage = stage
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) AuthorizerOption {
	return func(a *Authorizer) {
		a.metrics = m
	}
}

// NewAuthorizer creates an authorizer enforcing limit per identity.
func NewAuthorizer(l Ledger, limit int64, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		ledger:   l,
		cap:      limit,
		injector: NoFailures{},
		stage:    StageLast,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Cap returns the per-identity spending cap.
func (a *Authorizer) Cap() int64 {
	return a.cap
}

// Authorize evaluates one redemption. Evaluation order:
//  1. injector (stage first)
//  2. token reuse
//  3. cap preview, then injector (stage last)
//  4. atomic accumulate against the cap
//  5. mark the token used
//
// The token is claimed before the cap check and released on every rejection,
// so a token stays unused unless its charge is accepted.
func (a *Authorizer) Authorize(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return ChargeResult{}, err
	}

	start := time.Now()
	result := a.authorize(ctx, req)

	if a.metrics != nil {
		a.metrics.ObserveVerdict(string(result.Status), req.Amount, time.Since(start))
		if result.Status == StatusAccepted {
			stats := a.ledger.Stats()
			a.metrics.ObserveLedger(stats.Identities, stats.UsedTokens)
		}
	}

	log := logger.FromContext(ctx)
	event := log.Info()
	if result.Status != StatusAccepted {
		event = log.Warn()
	}
	event.
		Str("token", logger.TruncateToken(req.Token)).
		Str("identity", req.Identity).
		Str("subject_id", req.SubjectID).
		Int64("amount", req.Amount).
		Str("status", string(result.Status)).
		Int64("cumulative_total", result.CumulativeTotal).
		Msg("payments.charge_evaluated")

	return result, nil
}

func (a *Authorizer) authorize(ctx context.Context, req ChargeRequest) ChargeResult {
	if a.stage == StageFirst {
		if failed, reason := a.inject(ctx, req); failed {
			return a.simulatedFailure(req, reason)
		}
	}

	if a.ledger.IsUsed(req.Token) || !a.ledger.Claim(req.Token) {
		return ChargeResult{
			Status:          StatusTokenReused,
			Message:         "token was already used",
			CumulativeTotal: a.ledger.TotalFor(req.Identity),
		}
	}

	if a.stage == StageLast {
		// Advisory only: a charge over the cap reports LIMIT_EXCEEDED even
		// when the injector would fire. TryAccumulate below is authoritative.
		if current := a.ledger.TotalFor(req.Identity); req.Amount > a.cap-current {
			a.ledger.Release(req.Token)
			return a.limitExceeded(current)
		}
		if failed, reason := a.inject(ctx, req); failed {
			a.ledger.Release(req.Token)
			return a.simulatedFailure(req, reason)
		}
	}

	accepted, total := a.ledger.TryAccumulate(req.Identity, req.Amount, a.cap)
	if !accepted {
		a.ledger.Release(req.Token)
		return a.limitExceeded(total)
	}

	a.ledger.MarkUsed(req.Token)
	return ChargeResult{
		Status: StatusAccepted,
		Message: fmt.Sprintf("payment accepted: identity=%s subject=%s amount=%d total=%d",
			req.Identity, req.SubjectID, req.Amount, total),
		CumulativeTotal: total,
	}
}

func (a *Authorizer) inject(ctx context.Context, req ChargeRequest) (bool, string) {
	failed, reason := a.injector.ShouldFail(ctx, req)
	if failed && a.metrics != nil {
		a.metrics.ObserveInjectedFailure(a.injector.Policy())
	}
	return failed, reason
}

func (a *Authorizer) simulatedFailure(req ChargeRequest, reason string) ChargeResult {
	if reason == "" {
		reason = "simulated payment failure"
	}
	return ChargeResult{
		Status:          StatusSimulatedFailure,
		Message:         reason,
		CumulativeTotal: a.ledger.TotalFor(req.Identity),
	}
}

func (a *Authorizer) limitExceeded(current int64) ChargeResult {
	return ChargeResult{
		Status:          StatusLimitExceeded,
		Message:         fmt.Sprintf("identity reached the spending limit of %d", a.cap),
		CumulativeTotal: current,
	}
}
