// Package service wires the event path: every inbound event is evaluated by
// the rule engine, surviving alerts go to the batcher (and from there to the
// delivery scheduler) and to live hub connections.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/hub"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Engine turns an event into pending alerts.
type Engine interface {
	Process(ctx context.Context, ev model.Event) []model.PendingAlert
}

// Broadcaster fans frames out to live connections.
type Broadcaster interface {
	Broadcast(frameType string, data any, channel string) int
}

// Submitter accepts alerts for delivery.
type Submitter interface {
	Submit(ctx context.Context, alert model.PendingAlert) error
}

// AlertFrame is the payload of an "alert" broadcast.
type AlertFrame struct {
	ID        string           `json:"id"`
	RuleID    string           `json:"rule_id"`
	RuleName  string           `json:"rule_name"`
	Type      string           `json:"type"`
	Priority  model.Priority   `json:"priority"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	EventKind model.EntityKind `json:"event_kind"`
	EventKey  string           `json:"event_key"`
	Reasons   []string         `json:"reasons,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Service orchestrates evaluation, delivery and broadcast.
type Service struct {
	engine    Engine
	hub       Broadcaster
	submitter Submitter
	logger    zerolog.Logger
}

// New constructs the pipeline. hub may be nil when the websocket hub is off.
func New(engine Engine, broadcaster Broadcaster, submitter Submitter, logger zerolog.Logger) *Service {
	return &Service{
		engine:    engine,
		hub:       broadcaster,
		submitter: submitter,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// HandleEvent runs one event through the pipeline and returns the alerts it
// produced. A failed submission for one alert does not stop the others.
func (s *Service) HandleEvent(ctx context.Context, ev model.Event) ([]model.PendingAlert, error) {
	s.broadcastUpdate(ev)

	alerts := s.engine.Process(ctx, ev)
	var errs []error
	for _, alert := range alerts {
		if s.hub != nil {
			s.hub.Broadcast(hub.TypeAlert, alertFrame(alert), hub.ChannelAlerts)
		}
		if s.submitter == nil {
			continue
		}
		if err := s.submitter.Submit(ctx, alert); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alert.ID).Str("rule_id", alert.RuleID).Msg("submit alert failed")
			errs = append(errs, fmt.Errorf("alert %s: %w", alert.ID, err))
		}
	}
	if len(alerts) > 0 {
		s.logger.Debug().Str("event_key", ev.Key).Int("alerts", len(alerts)).Msg("event produced alerts")
	}
	return alerts, errors.Join(errs...)
}

// Handle adapts HandleEvent to the ingest handler signature.
func (s *Service) Handle(ctx context.Context, ev model.Event) error {
	_, err := s.HandleEvent(ctx, ev)
	return err
}

func (s *Service) broadcastUpdate(ev model.Event) {
	if s.hub == nil {
		return
	}
	switch ev.Kind {
	case model.KindToken:
		s.hub.Broadcast(hub.TypeTokenUpdate, ev, hub.ChannelTokens)
	case model.KindPattern:
		s.hub.Broadcast(hub.TypePatternDetected, ev, hub.ChannelPatterns)
	}
}

func alertFrame(a model.PendingAlert) AlertFrame {
	return AlertFrame{
		ID:        a.ID,
		RuleID:    a.RuleID,
		RuleName:  a.RuleName,
		Type:      a.Type,
		Priority:  a.Priority,
		Title:     a.Message.Title,
		Message:   a.Message.Text,
		EventKind: a.EventKind,
		EventKey:  a.EventKey,
		Reasons:   a.Match.Reasons,
		CreatedAt: a.CreatedAt,
	}
}
