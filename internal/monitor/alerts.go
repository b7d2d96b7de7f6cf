package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"options-engine/internal/events"
)

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Error().Str("component", "alert").Msg(message)
	return nil
}

// Alerter raises an alert whenever a monitor ends in error.
type Alerter struct {
	bus   *events.Bus
	sinks []AlertSink
}

func NewAlerter(bus *events.Bus, sinks ...AlertSink) *Alerter {
	if len(sinks) == 0 {
		sinks = []AlertSink{LogSink{}}
	}
	return &Alerter{bus: bus, sinks: sinks}
}

// Run consumes monitor status events until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(events.EventMonitorStatus, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			st, ok := msg.Payload.(State)
			if !ok || st.Status != StatusError {
				continue
			}
			a.raise(fmt.Sprintf("monitor %s stopped after %d failures: %s; positions left untouched",
				st.StrategyID, st.ConsecutiveFailures, st.LastError))
		}
	}
}

func (a *Alerter) raise(message string) {
	for _, s := range a.sinks {
		if err := s.Send(message); err != nil {
			log.Warn().Str("component", "alert").Err(err).Msg("alert sink failed")
		}
	}
}
