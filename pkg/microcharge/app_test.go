package microcharge

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/config"
	"github.com/CedrosPay/microcharge/internal/orchestrator"
	"github.com/CedrosPay/microcharge/internal/payments"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Client.Retry.Strategy = orchestrator.StrategyFixed
	cfg.Client.Retry.InitialInterval = config.Duration{Duration: time.Millisecond}
	return cfg
}

func TestNewPaymentsApp_RequiresConfig(t *testing.T) {
	if _, err := NewPaymentsApp(nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := NewReactionsApp(nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestNewPaymentsApp_InjectorFromConfig(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.FailureInjection.Policy = payments.PolicyRate
	cfg.FailureInjection.Every = 3

	app, err := NewPaymentsApp(cfg, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewPaymentsApp: %v", err)
	}
	if app.Injector.Policy() != payments.PolicyRate {
		t.Errorf("Expected rate injector, got %s", app.Injector.Policy())
	}

	cfg.FailureInjection.Policy = "chaos"
	if _, err := NewPaymentsApp(cfg, WithLogger(zerolog.Nop())); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestApps_ReactionsOverHTTP(t *testing.T) {
	cfg := loadTestConfig(t)

	authority, err := NewPaymentsApp(cfg, WithLogger(zerolog.Nop()), WithInjector(payments.NewRateInjector(4, 0)))
	if err != nil {
		t.Fatalf("NewPaymentsApp: %v", err)
	}
	srv := httptest.NewServer(authority.Handler())
	defer srv.Close()

	cfg.Client.PaymentsURL = srv.URL
	reactionsApp, err := NewReactionsApp(cfg, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewReactionsApp: %v", err)
	}
	defer reactionsApp.Shutdown(context.Background())

	for i := 1; i <= 5; i++ {
		result := reactionsApp.Orchestrator.Charge(context.Background(), "ana", "song-1", cfg.Payments.UnitAmount)
		if result.Status != payments.StatusAccepted || result.CumulativeTotal != int64(i)*10 {
			t.Fatalf("charge %d: expected ACCEPTED at %d, got %+v", i, i*10, result)
		}
	}
	last := reactionsApp.Orchestrator.Charge(context.Background(), "ana", "song-1", cfg.Payments.UnitAmount)
	if last.Status != payments.StatusLimitExceeded {
		t.Errorf("Expected LIMIT_EXCEEDED, got %+v", last)
	}

	if reactionsApp.Breaker == nil || reactionsApp.Breaker.State("payment_authority") != "closed" {
		t.Errorf("Expected a closed breaker around the HTTP client")
	}
	if n, err := promtest.GatherAndCount(authority.Registry, "microcharge_verdicts_total"); err != nil || n == 0 {
		t.Errorf("Expected verdict metrics on the authority registry, got %d (%v)", n, err)
	}
}

func TestNewReactionsApp_InProcessAuthority(t *testing.T) {
	cfg := loadTestConfig(t)

	authority, err := NewPaymentsApp(cfg, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewPaymentsApp: %v", err)
	}
	app, err := NewReactionsApp(cfg, WithLogger(zerolog.Nop()), WithAuthority(authority.Payments))
	if err != nil {
		t.Fatalf("NewReactionsApp: %v", err)
	}
	if app.Breaker != nil {
		t.Error("In-process authority should not get an HTTP breaker")
	}

	result := app.Orchestrator.Charge(context.Background(), "luis", "song-2", 10)
	if result.Status != payments.StatusAccepted {
		t.Fatalf("Expected ACCEPTED, got %+v", result)
	}
	if got := authority.Payments.Account("luis").Total; got != 10 {
		t.Errorf("Expected authority total 10, got %d", got)
	}
}

func TestOrchestratorConfig(t *testing.T) {
	got := OrchestratorConfig(config.ClientConfig{
		ChargeTimeout: config.Duration{Duration: 20 * time.Second},
		Retry: config.RetryConfig{
			MaxAttempts:     6,
			Strategy:        "fixed",
			InitialInterval: config.Duration{Duration: time.Second},
			MaxInterval:     config.Duration{Duration: 5 * time.Second},
			Multiplier:      2,
			Jitter:          0.1,
		},
	})

	want := orchestrator.Config{
		MaxAttempts:     6,
		Strategy:        "fixed",
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     5 * time.Second,
		Jitter:          0.1,
		ChargeTimeout:   20 * time.Second,
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}
