package payments

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Failure injection policies.
const (
	PolicyNone   = "none"
	PolicySuffix = "suffix"
	PolicyRate   = "rate"
)

// Stage controls where the injector runs in the authorization pipeline.
type Stage string

const (
	// StageFirst runs the injector before any ledger access.
	StageFirst Stage = "first"
	// StageLast runs the injector after the reuse and cap checks, right
	// before the ledger commit.
	StageLast Stage = "last"
)

// FailureInjector decides whether a redemption should be answered with a
// simulated failure. Implementations must be safe for concurrent use.
type FailureInjector interface {
	// ShouldFail returns true and a reason when the attempt must fail.
	ShouldFail(ctx context.Context, req ChargeRequest) (bool, string)
	// Policy names the strategy for logs and metrics.
	Policy() string
}

// NoFailures never injects a failure.
type NoFailures struct{}

func (NoFailures) ShouldFail(context.Context, ChargeRequest) (bool, string) { return false, "" }
func (NoFailures) Policy() string                                          { return PolicyNone }

// SuffixInjector fails every request whose subject ID ends with Marker.
// It is deterministic and meant for repeatable tests.
type SuffixInjector struct {
	Marker string
}

func (s SuffixInjector) ShouldFail(_ context.Context, req ChargeRequest) (bool, string) {
	if s.Marker == "" || !strings.HasSuffix(req.SubjectID, s.Marker) {
		return false, ""
	}
	return true, fmt.Sprintf("simulated payment failure for subject %s", req.SubjectID)
}

func (SuffixInjector) Policy() string { return PolicySuffix }

// RateInjector fails every Nth attempt it sees, counted across all
// identities. The counter lives as long as the injector; it is never reset.
type RateInjector struct {
	every    uint64
	delay    time.Duration
	attempts atomic.Uint64
}

// NewRateInjector fails one in every attempts (minimum 1), sleeping delay
// before answering a failing attempt.
func NewRateInjector(every int, delay time.Duration) *RateInjector {
	if every < 1 {
		every = 1
	}
	return &RateInjector{every: uint64(every), delay: delay}
}

func (r *RateInjector) ShouldFail(ctx context.Context, _ ChargeRequest) (bool, string) {
	n := r.attempts.Add(1)
	if n%r.every != 0 {
		return false, ""
	}
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	return true, fmt.Sprintf("simulated payment failure on attempt %d", n)
}

func (*RateInjector) Policy() string { return PolicyRate }

// Attempts returns how many attempts the injector has observed.
func (r *RateInjector) Attempts() uint64 {
	return r.attempts.Load()
}

// InjectorConfig selects and parameterizes a failure injector.
type InjectorConfig struct {
	Policy string
	Marker string
	Every  int
	Delay  time.Duration
}

// NewInjector builds the injector named by cfg.Policy.
func NewInjector(cfg InjectorConfig) (FailureInjector, error) {
	switch strings.ToLower(cfg.Policy) {
	case "", PolicyNone:
		return NoFailures{}, nil
	case PolicySuffix:
		if cfg.Marker == "" {
			return nil, fmt.Errorf("payments: suffix policy requires a marker")
		}
		return SuffixInjector{Marker: cfg.Marker}, nil
	case PolicyRate:
		if cfg.Every < 1 {
			return nil, fmt.Errorf("payments: rate policy requires every >= 1, got %d", cfg.Every)
		}
		return NewRateInjector(cfg.Every, cfg.Delay), nil
	default:
		return nil, fmt.Errorf("payments: unknown failure policy %q", cfg.Policy)
	}
}
