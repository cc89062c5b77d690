package reactions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/orchestrator"
	"github.com/CedrosPay/microcharge/internal/payments"
)

// Charger authorizes one micro-charge. *orchestrator.Orchestrator satisfies it.
type Charger interface {
	Charge(ctx context.Context, identity, subjectID string, amount int64) orchestrator.Result
}

// ServiceConfig holds the charge parameters for reactions.
type ServiceConfig struct {
	UnitAmount int64 // amount charged per reaction
	Cap        int64 // spending cap shown in LIMIT_REACHED notifications
}

// Service relays listener events. Play and stop are broadcast as-is; a
// reaction is broadcast only after its charge is accepted.
type Service struct {
	hub     *Hub
	charger Charger
	cfg     ServiceConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithServiceMetrics sets the metrics collector.
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithServiceLogger sets the fallback logger used when the context carries none.
func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a reactions service.
func NewService(hub *Hub, charger Charger, cfg ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		hub:     hub,
		charger: charger,
		cfg:     cfg,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle dispatches ev on its type. p is the originating connection.
func (s *Service) Handle(ctx context.Context, p Peer, ev Event) error {
	switch ev.Type {
	case EventPlay:
		return s.HandlePlay(ctx, p, ev)
	case EventStop:
		return s.HandleStop(ctx, p, ev)
	case EventReaction:
		if err := ev.validate(); err != nil {
			return err
		}
		s.HandleReact(ctx, ev)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// HandlePlay subscribes p to the subject and announces it to every listener.
func (s *Service) HandlePlay(ctx context.Context, p Peer, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	listeners := s.hub.Join(ev.SubjectID, p)
	log := s.log(ctx)
	log.Info().
		Str("identity", ev.Identity).
		Str("subject_id", ev.SubjectID).
		Int("listeners", listeners).
		Msg("reactions.play")
	s.broadcast(ev)
	return nil
}

// HandleStop announces the stop to the subject, the leaving peer included,
// then unsubscribes p.
func (s *Service) HandleStop(ctx context.Context, p Peer, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	s.broadcast(ev)
	listeners := s.hub.Leave(ev.SubjectID, p)
	log := s.log(ctx)
	log.Info().
		Str("identity", ev.Identity).
		Str("subject_id", ev.SubjectID).
		Int("listeners", listeners).
		Msg("reactions.stop")
	return nil
}

// HandleReact charges the identity for the reaction. An accepted charge is
// broadcast to the subject; anything else becomes a private notification.
// It blocks for the whole retry loop.
func (s *Service) HandleReact(ctx context.Context, ev Event) orchestrator.Result {
	log := s.log(ctx).With().
		Str("identity", ev.Identity).
		Str("subject_id", ev.SubjectID).
		Str("content", ev.Content).
		Logger()

	result := s.charger.Charge(ctx, ev.Identity, ev.SubjectID, s.cfg.UnitAmount)

	if result.Status == payments.StatusAccepted {
		log.Info().
			Str("charge_id", result.ChargeID).
			Int64("cumulative_total", result.CumulativeTotal).
			Msg("reactions.reaction_accepted")
		s.broadcast(ev)
		return result
	}

	notification := s.notificationFor(result)
	log.Warn().
		Str("charge_id", result.ChargeID).
		Str("status", string(result.Status)).
		Str("outcome", string(result.Outcome)).
		Str("notification", notification.Type).
		Str("reason", result.Message).
		Int("attempts", result.Attempts).
		Msg("reactions.reaction_refused")
	s.hub.Notify(ev.Identity, Frame{Kind: FrameNotification, Notification: &notification})
	if s.metrics != nil {
		s.metrics.ObserveNotification(notification.Type)
	}
	return result
}

func (s *Service) notificationFor(result orchestrator.Result) Notification {
	if result.Status == payments.StatusLimitExceeded {
		return Notification{
			Type:    NotificationLimitReached,
			Title:   "Insufficient balance",
			Message: fmt.Sprintf("You have reached the reaction limit of %d.", s.cfg.Cap),
			Status:  result.Status,
		}
	}
	message := result.Message
	if result.Outcome == orchestrator.OutcomeExhausted {
		// The last failure may be a transport error; it stays in the logs.
		message = fmt.Sprintf("Payment could not be completed after %d attempts. Please try again later.", result.Attempts)
	}
	return Notification{
		Type:    NotificationPaymentError,
		Title:   "Reaction failed",
		Message: message,
		Status:  result.Status,
	}
}

func (s *Service) broadcast(ev Event) {
	s.hub.Broadcast(ev.SubjectID, Frame{Kind: FrameEvent, Event: &ev})
	if s.metrics != nil {
		s.metrics.ObserveBroadcast(ev.Type)
	}
}

func (s *Service) log(ctx context.Context) zerolog.Logger {
	if l := logger.FromContext(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return s.logger
}
