package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

// AlertSink is a pluggable alert delivery target.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("alert: %s", message)
	return nil
}

// Monitor watches control-loop events and feeds the metrics counters
// and the alert sink.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
}

// Start subscribes to the event topics and runs until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("monitor not configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{}
	}

	m.watch(ctx, events.EventRiskAlert, func(msg any) {
		if m.Metrics != nil {
			m.Metrics.IncrementErrors()
		}
		m.alert(formatAlert("risk", msg))
	})
	m.watch(ctx, events.EventLegImbalance, func(msg any) {
		if m.Metrics != nil {
			m.Metrics.IncrementLegUnwinds()
		}
		m.alert(formatAlert("leg imbalance", msg))
	})
	m.watch(ctx, events.EventPairOpened, func(any) {
		if m.Metrics != nil {
			m.Metrics.IncrementPairsOpened()
		}
	})
	m.watch(ctx, events.EventPairClosed, func(any) {
		if m.Metrics != nil {
			m.Metrics.IncrementPairsClosed()
		}
	})
	m.watch(ctx, events.EventQuoteTick, func(any) {
		if m.Metrics != nil {
			m.Metrics.IncrementQuotes()
		}
	})
}

func (m *Monitor) watch(ctx context.Context, topic events.Event, fn func(any)) {
	stream, unsub := m.Bus.Subscribe(topic, 256)
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
				fn(msg)
			}
		}
	}()
}

func (m *Monitor) alert(message string) {
	if err := m.Sink.Send(message); err != nil {
		log.Printf("monitor: alert delivery failed: %v", err)
	}
}

func formatAlert(kind string, msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + kind + ": " + describe(msg)
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case common.Position:
		return fmt.Sprintf("%s %s %s qty %.6f margin %.2f pnl %.2f",
			t.Venue, t.Symbol, t.Direction, t.Qty, t.Margin, t.UnrealPnl)
	default:
		return fmt.Sprintf("%v", v)
	}
}
