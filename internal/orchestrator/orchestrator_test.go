package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CedrosPay/microcharge/internal/ledger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/payments"
	"github.com/CedrosPay/microcharge/internal/tokens"
)

// scriptedAuthority replays a fixed sequence of verdicts and errors.
type scriptedAuthority struct {
	mu         sync.Mutex
	tokenErrs  []error
	verdicts   []payments.ChargeResult
	submitErrs []error
	tokens     []string
	submitted  []payments.ChargeRequest
}

func (a *scriptedAuthority) RequestToken(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.tokenErrs) > 0 {
		err := a.tokenErrs[0]
		a.tokenErrs = a.tokenErrs[1:]
		if err != nil {
			return "", err
		}
	}
	token := fmt.Sprintf("token-%d", len(a.tokens)+1)
	a.tokens = append(a.tokens, token)
	return token, nil
}

func (a *scriptedAuthority) SubmitCharge(_ context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, req)
	if len(a.submitErrs) > 0 {
		err := a.submitErrs[0]
		a.submitErrs = a.submitErrs[1:]
		if err != nil {
			return payments.ChargeResult{}, err
		}
	}
	if len(a.verdicts) == 0 {
		return payments.ChargeResult{Status: payments.StatusSimulatedFailure, Message: "script exhausted"}, nil
	}
	v := a.verdicts[0]
	a.verdicts = a.verdicts[1:]
	return v, nil
}

func simulated(total int64) payments.ChargeResult {
	return payments.ChargeResult{Status: payments.StatusSimulatedFailure, Message: "simulated", CumulativeTotal: total}
}

func accepted(total int64) payments.ChargeResult {
	return payments.ChargeResult{Status: payments.StatusAccepted, Message: "ok", CumulativeTotal: total}
}

// fastConfig keeps retry delays tiny so tests stay quick.
func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:     maxAttempts,
		Strategy:        StrategyExponential,
		InitialInterval: time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     10 * time.Millisecond,
	}
}

func TestCharge_AcceptedFirstAttempt(t *testing.T) {
	auth := &scriptedAuthority{verdicts: []payments.ChargeResult{accepted(10)}}
	o := New(auth, fastConfig(4))

	result := o.Charge(context.Background(), "ana", "song-1", 10)

	if result.Status != payments.StatusAccepted || result.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted result, got %+v", result)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.ChargeID == "" {
		t.Error("expected a charge id")
	}
	if auth.submitted[0].Identity != "ana" || auth.submitted[0].SubjectID != "song-1" || auth.submitted[0].Amount != 10 {
		t.Errorf("unexpected submitted request %+v", auth.submitted[0])
	}
}

func TestCharge_TerminalRejectionsNotRetried(t *testing.T) {
	for _, status := range []payments.Status{payments.StatusLimitExceeded, payments.StatusTokenReused} {
		t.Run(string(status), func(t *testing.T) {
			auth := &scriptedAuthority{verdicts: []payments.ChargeResult{
				{Status: status, Message: "no", CumulativeTotal: 50},
				accepted(60),
			}}
			o := New(auth, fastConfig(4))

			result := o.Charge(context.Background(), "ana", "song-1", 10)

			if result.Status != status || result.Outcome != OutcomeRejected {
				t.Fatalf("expected %s rejection, got %+v", status, result)
			}
			if result.CumulativeTotal != 50 {
				t.Errorf("expected total 50, got %d", result.CumulativeTotal)
			}
			if len(auth.tokens) != 1 || len(auth.submitted) != 1 {
				t.Errorf("terminal rejection must not be retried: %d tokens, %d submits", len(auth.tokens), len(auth.submitted))
			}
		})
	}
}

func TestCharge_RetriesWithFreshTokens(t *testing.T) {
	auth := &scriptedAuthority{verdicts: []payments.ChargeResult{simulated(0), simulated(0), accepted(10)}}
	o := New(auth, fastConfig(4))

	result := o.Charge(context.Background(), "ana", "song-1", 10)

	if result.Status != payments.StatusAccepted || result.Attempts != 3 {
		t.Fatalf("expected acceptance on attempt 3, got %+v", result)
	}
	seen := map[string]bool{}
	for _, req := range auth.submitted {
		if seen[req.Token] {
			t.Fatalf("token %s reused across attempts", req.Token)
		}
		seen[req.Token] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct tokens, got %d", len(seen))
	}
}

func TestCharge_Exhausted(t *testing.T) {
	auth := &scriptedAuthority{verdicts: []payments.ChargeResult{simulated(20), simulated(20), simulated(20), simulated(20), accepted(30)}}
	m := metrics.New(prometheus.NewRegistry())
	o := New(auth, fastConfig(4), WithMetrics(m))

	result := o.Charge(context.Background(), "ana", "song-X", 10)

	if result.Outcome != OutcomeExhausted || result.Status != payments.StatusSimulatedFailure {
		t.Fatalf("expected exhausted failure, got %+v", result)
	}
	if result.Attempts != 4 || len(auth.submitted) != 4 {
		t.Errorf("expected exactly 4 attempts, got %d (%d submits)", result.Attempts, len(auth.submitted))
	}
	if !strings.Contains(result.Message, "after 4 attempts") {
		t.Errorf("expected explanatory message, got %q", result.Message)
	}
	if result.CumulativeTotal != 20 {
		t.Errorf("expected last observed total 20, got %d", result.CumulativeTotal)
	}
	if got := promtest.ToFloat64(m.ChargesTotal.WithLabelValues("exhausted")); got != 1 {
		t.Errorf("expected 1 exhausted charge metric, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.AttemptFailuresTotal.WithLabelValues("simulated_failure")); got != 4 {
		t.Errorf("expected 4 simulated failure metrics, got %.0f", got)
	}
}

func TestCharge_CommunicationErrorsRetried(t *testing.T) {
	errDown := errors.New("connection refused")
	auth := &scriptedAuthority{
		tokenErrs:  []error{errDown, nil},
		submitErrs: []error{errDown, nil},
		verdicts:   []payments.ChargeResult{accepted(10)},
	}
	o := New(auth, fastConfig(4))

	result := o.Charge(context.Background(), "ana", "song-1", 10)

	// attempt 1: token error; attempt 2: submit error; attempt 3: accepted
	if result.Status != payments.StatusAccepted || result.Attempts != 3 {
		t.Fatalf("expected acceptance on attempt 3, got %+v", result)
	}
}

func TestCharge_CommunicationErrorsExhausted(t *testing.T) {
	errDown := errors.New("connection refused")
	auth := &scriptedAuthority{tokenErrs: []error{errDown, errDown, errDown}}
	o := New(auth, fastConfig(3))

	result := o.Charge(context.Background(), "ana", "song-1", 10)

	if result.Outcome != OutcomeExhausted || result.Attempts != 3 {
		t.Fatalf("expected exhaustion after 3 attempts, got %+v", result)
	}
	if !strings.Contains(result.Message, "connection refused") {
		t.Errorf("expected last error in message, got %q", result.Message)
	}
	if result.CumulativeTotal != 0 {
		t.Errorf("expected total 0 when no verdict was seen, got %d", result.CumulativeTotal)
	}
}

func TestCharge_InvalidRequestNotRetried(t *testing.T) {
	auth := &scriptedAuthority{submitErrs: []error{fmt.Errorf("%w: amount", payments.ErrInvalidRequest)}}
	o := New(auth, fastConfig(4))

	result := o.Charge(context.Background(), "ana", "song-1", 10)
	if result.Outcome != OutcomeInvalid || result.Attempts != 1 {
		t.Fatalf("expected invalid outcome after 1 attempt, got %+v", result)
	}

	// Bad caller input never reaches the authority
	before := len(auth.tokens)
	result = o.Charge(context.Background(), "", "song-1", 10)
	if result.Outcome != OutcomeInvalid || result.Attempts != 0 {
		t.Fatalf("expected invalid outcome with no attempts, got %+v", result)
	}
	if len(auth.tokens) != before {
		t.Error("invalid input must not request a token")
	}
}

func TestCharge_UnknownStatusIsTransient(t *testing.T) {
	auth := &scriptedAuthority{verdicts: []payments.ChargeResult{{Status: "PENDING"}, accepted(10)}}
	o := New(auth, fastConfig(4))

	result := o.Charge(context.Background(), "ana", "song-1", 10)
	if result.Status != payments.StatusAccepted || result.Attempts != 2 {
		t.Fatalf("expected acceptance on attempt 2, got %+v", result)
	}
}

func TestCharge_BackoffSchedule(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []time.Duration
	}{
		{
			name: "exponential default policy",
			cfg:  DefaultConfig(),
			want: []time.Duration{1500 * time.Millisecond, 2250 * time.Millisecond, 3375 * time.Millisecond},
		},
		{
			name: "fixed",
			cfg:  Config{MaxAttempts: 3, Strategy: StrategyFixed, InitialInterval: time.Second},
			want: []time.Duration{time.Second, time.Second},
		},
		{
			name: "exponential capped",
			cfg:  Config{MaxAttempts: 4, InitialInterval: time.Second, Multiplier: 3, MaxInterval: 5 * time.Second},
			want: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &scriptedAuthority{}
			o := New(auth, tt.cfg)

			var waits []time.Duration
			o.wait = func(_ context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			}

			result := o.Charge(context.Background(), "ana", "song-1", 10)
			if result.Outcome != OutcomeExhausted {
				t.Fatalf("expected exhaustion, got %+v", result)
			}
			if len(waits) != len(tt.want) {
				t.Fatalf("expected %d waits, got %v", len(tt.want), waits)
			}
			for i := range tt.want {
				if waits[i] != tt.want[i] {
					t.Errorf("wait %d: expected %v, got %v", i, tt.want[i], waits[i])
				}
			}
		})
	}
}

func TestCharge_TimeoutEndsLoop(t *testing.T) {
	auth := &scriptedAuthority{}
	cfg := Config{
		MaxAttempts:     10,
		Strategy:        StrategyFixed,
		InitialInterval: time.Hour,
		ChargeTimeout:   30 * time.Millisecond,
	}
	o := New(auth, cfg)

	start := time.Now()
	result := o.Charge(context.Background(), "ana", "song-1", 10)

	if time.Since(start) > 5*time.Second {
		t.Fatal("charge timeout did not interrupt the backoff wait")
	}
	if result.Outcome != OutcomeExhausted || result.Attempts != 1 {
		t.Fatalf("expected exhaustion after 1 attempt, got %+v", result)
	}
	if !strings.Contains(result.Message, context.DeadlineExceeded.Error()) {
		t.Errorf("expected deadline in message, got %q", result.Message)
	}
}

func TestCharge_CancelledContext(t *testing.T) {
	auth := &scriptedAuthority{verdicts: []payments.ChargeResult{accepted(10)}}
	o := New(auth, fastConfig(4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := o.Charge(ctx, "ana", "song-1", 10)
	if result.Outcome != OutcomeExhausted || result.Attempts != 0 {
		t.Fatalf("expected exhaustion without attempts, got %+v", result)
	}
	if len(auth.tokens) != 0 {
		t.Error("cancelled charge must not request tokens")
	}
}

func newAuthority(injector payments.FailureInjector) *payments.Service {
	l := ledger.New()
	authorizer := payments.NewAuthorizer(l, 50, payments.WithInjector(injector, payments.StageLast))
	return payments.NewService(tokens.NewIssuer(), l, authorizer, nil)
}

func TestCharge_EndToEndScenario(t *testing.T) {
	o := New(newAuthority(payments.NoFailures{}), fastConfig(4))

	for i := 1; i <= 5; i++ {
		result := o.Charge(context.Background(), "ana", "song-1", 10)
		if result.Status != payments.StatusAccepted || result.CumulativeTotal != int64(i*10) {
			t.Fatalf("charge %d: expected ACCEPTED at %d, got %+v", i, i*10, result)
		}
	}

	sixth := o.Charge(context.Background(), "ana", "song-1", 10)
	if sixth.Status != payments.StatusLimitExceeded || sixth.CumulativeTotal != 50 {
		t.Fatalf("expected LIMIT_EXCEEDED at 50, got %+v", sixth)
	}
	if sixth.Attempts != 1 {
		t.Errorf("limit rejection must not be retried, got %d attempts", sixth.Attempts)
	}
}

func TestCharge_RetryConvergenceWithRateInjector(t *testing.T) {
	injector := payments.NewRateInjector(4, 0)
	o := New(newAuthority(injector), fastConfig(4))

	identities := []string{"ana", "luis", "maria", "jose"}
	for round := 0; round < 5; round++ {
		for _, identity := range identities {
			result := o.Charge(context.Background(), identity, "song-1", 10)
			if result.Outcome == OutcomeExhausted {
				t.Fatalf("%s round %d: charge exhausted retries: %+v", identity, round, result)
			}
			if result.Status != payments.StatusAccepted {
				t.Fatalf("%s round %d: expected ACCEPTED, got %+v", identity, round, result)
			}
			if result.Attempts > 2 {
				t.Errorf("every-4th injection should cost at most one retry, got %d attempts", result.Attempts)
			}
		}
	}

	for _, identity := range identities {
		result := o.Charge(context.Background(), identity, "song-1", 10)
		if result.Status != payments.StatusLimitExceeded {
			t.Errorf("%s: expected LIMIT_EXCEEDED after cap, got %+v", identity, result)
		}
	}
}

func TestCharge_ConcurrentSameIdentity(t *testing.T) {
	o := New(newAuthority(payments.NoFailures{}), fastConfig(4))

	const charges = 25
	var acceptedCount, limitCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < charges; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := o.Charge(context.Background(), "ana", "song-1", 10)
			switch result.Status {
			case payments.StatusAccepted:
				acceptedCount.Add(1)
			case payments.StatusLimitExceeded:
				limitCount.Add(1)
			default:
				t.Errorf("unexpected result %+v", result)
			}
		}()
	}
	wg.Wait()

	if got := acceptedCount.Load(); got != 5 {
		t.Errorf("expected exactly 5 accepted charges, got %d", got)
	}
	if got := limitCount.Load(); got != charges-5 {
		t.Errorf("expected %d limit rejections, got %d", charges-5, got)
	}
}

func TestCharge_IndependentCharges(t *testing.T) {
	authority := newAuthority(payments.NoFailures{})
	o := New(authority, fastConfig(4))

	first := o.Charge(context.Background(), "ana", "song-1", 10)
	second := o.Charge(context.Background(), "ana", "song-1", 10)

	if first.Status != payments.StatusAccepted || second.Status != payments.StatusAccepted {
		t.Fatalf("expected both charges accepted, got %+v and %+v", first, second)
	}
	if first.CumulativeTotal != 10 || second.CumulativeTotal != 20 {
		t.Errorf("expected totals 10 then 20, got %d and %d", first.CumulativeTotal, second.CumulativeTotal)
	}
	if first.ChargeID == second.ChargeID {
		t.Error("each logical charge needs its own id")
	}
	if stats := authority.Stats(); stats.UsedTokens != 2 {
		t.Errorf("expected two distinct used tokens, got %d", stats.UsedTokens)
	}
}
