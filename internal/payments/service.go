package payments

import (
	"context"

	"github.com/CedrosPay/microcharge/internal/ledger"
	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/tokens"
)

// AccountView is the read-only balance of one identity.
type AccountView struct {
	Identity  string `json:"identity"`
	Total     int64  `json:"total"`
	Cap       int64  `json:"cap"`
	Remaining int64  `json:"remaining"`
}

// Service is the payment authority: it issues tokens and redeems them.
// Transports (HTTP handlers, in-process callers) call into it directly.
type Service struct {
	issuer     *tokens.Issuer
	ledger     *ledger.Ledger
	authorizer *Authorizer
	metrics    *metrics.Metrics
}

// NewService wires an issuer and an authorizer over the given ledger.
func NewService(issuer *tokens.Issuer, l *ledger.Ledger, authorizer *Authorizer, metricsCollector *metrics.Metrics) *Service {
	if issuer == nil {
		issuer = tokens.NewIssuer()
	}
	return &Service{
		issuer:     issuer,
		ledger:     l,
		authorizer: authorizer,
		metrics:    metricsCollector,
	}
}

// RequestToken issues a fresh single-use token. It never fails.
func (s *Service) RequestToken(ctx context.Context) (string, error) {
	token := s.issuer.Issue()
	if s.metrics != nil {
		s.metrics.ObserveTokenIssued()
	}
	log := logger.FromContext(ctx)
	log.Debug().
		Str("token", logger.TruncateToken(token)).
		Msg("payments.token_issued")
	return token, nil
}

// SubmitCharge redeems a token. Business rejections are returned as results;
// only malformed requests produce an error.
func (s *Service) SubmitCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return s.authorizer.Authorize(ctx, req)
}

// Account returns the balance of identity against the cap.
func (s *Service) Account(identity string) AccountView {
	acct := s.ledger.Snapshot(identity)
	remaining := s.authorizer.Cap() - acct.Total
	if remaining < 0 {
		remaining = 0
	}
	return AccountView{
		Identity:  acct.Identity,
		Total:     acct.Total,
		Cap:       s.authorizer.Cap(),
		Remaining: remaining,
	}
}

// Stats exposes ledger statistics for health checks.
func (s *Service) Stats() ledger.Stats {
	return s.ledger.Stats()
}
