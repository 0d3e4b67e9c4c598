// Package monitor exports executor metrics and raises alerts when a broker
// keeps failing.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/events"
	"trade-executor/internal/execution"
)

// Monitor watches broker failures on the bus and emits alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Rule *FailureRule
	Log  zerolog.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil || m.Rule == nil {
		m.Log.Info().Msg("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventBrokerFailed, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

func (m *Monitor) handle(msg any) {
	f, ok := msg.(execution.BrokerFailure)
	if !ok {
		return
	}
	fire, text := m.Rule.Check(f, time.Now())
	if !fire {
		return
	}
	if err := m.Sink.Send(text); err != nil {
		m.Log.Error().Err(err).Msg("alert delivery failed")
	}
}
