package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, v := range []float64{5, 1, 3, 2, 4} {
		h.Record(v)
	}

	s := h.Stats()
	if s.Count != 5 {
		t.Fatalf("count = %d, want 5", s.Count)
	}
	if s.Min != 1 || s.Max != 5 {
		t.Fatalf("min/max = %v/%v, want 1/5", s.Min, s.Max)
	}
	if s.Avg != 3 {
		t.Fatalf("avg = %v, want 3", s.Avg)
	}
	if s.P50 != 3 {
		t.Fatalf("p50 = %v, want 3", s.P50)
	}
}

func TestLatencyHistogramSlidingWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 20, 30, 40} {
		h.Record(v)
	}

	s := h.Stats()
	if s.Count != 3 {
		t.Fatalf("count = %d, want 3 after window shift", s.Count)
	}
	if s.Min != 20 {
		t.Fatalf("min = %v, oldest sample should have been evicted", s.Min)
	}
}

func TestLatencyHistogramCacheInvalidation(t *testing.T) {
	h := NewLatencyHistogram(10)
	h.Record(1)
	first := h.Stats()
	if first.Max != 1 {
		t.Fatalf("max = %v, want 1", first.Max)
	}

	h.Record(9)
	second := h.Stats()
	if second.Max != 9 {
		t.Fatalf("max = %v, new sample must invalidate cached stats", second.Max)
	}
}

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *captureSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestMonitorCountsAndAlerts(t *testing.T) {
	bus := events.NewBus()
	metrics := NewSystemMetrics()
	sink := &captureSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &Monitor{Bus: bus, Metrics: metrics, Sink: sink}
	m.Start(ctx)
	time.Sleep(10 * time.Millisecond) // let subscriptions attach

	bus.Publish(events.EventPairOpened, "BTC-USDT")
	bus.Publish(events.EventPairClosed, "BTC-USDT")
	bus.Publish(events.EventRiskAlert, common.Position{
		Venue: common.VenueOKX, Symbol: "BTC-USDT", Margin: 10, UnrealPnl: -9.6,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := metrics.GetSnapshot()
		if snap.PairsOpened == 1 && snap.PairsClosed == 1 && snap.ErrorsCount == 1 && sink.count() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap := metrics.GetSnapshot()
	t.Fatalf("monitor did not settle: opened=%d closed=%d errors=%d alerts=%d",
		snap.PairsOpened, snap.PairsClosed, snap.ErrorsCount, sink.count())
}
