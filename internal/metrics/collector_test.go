package metrics

import (
	"log/slog"
	"testing"
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
)

type fakeRoomSource struct {
	rooms, participants int
	avgLatency          float64
}

func (f *fakeRoomSource) RoomSnapshot() (int, int, float64) {
	return f.rooms, f.participants, f.avgLatency
}

type fakeConnSource struct{ n int }

func (f *fakeConnSource) ActiveConnections() int { return f.n }

type fakeSweeper struct {
	calls     int
	threshold time.Duration
}

func (f *fakeSweeper) SweepIdleRooms(olderThan time.Duration) int {
	f.calls++
	f.threshold = olderThan
	return 1
}

type recordingSink struct{ samples []ServerSample }

func (s *recordingSink) Report(sample ServerSample) { s.samples = append(s.samples, sample) }

func newTestCollector(clk clock.Clock, cfg CollectorConfig, sweep Sweeper, sink Sink) *Collector {
	c := NewCollector(slog.Default(), clk, cfg,
		&fakeRoomSource{rooms: 2, participants: 3, avgLatency: 42},
		&fakeConnSource{n: 4}, sweep, sink)
	c.readMemFn = func() uint64 { return 1 << 20 }
	c.goroutines = func() int { return 10 }
	return c
}

func TestCollector_SamplesOnInterval(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	c := newTestCollector(clk, CollectorConfig{SampleInterval: 5 * time.Second, History: 10}, &fakeSweeper{}, sink)

	c.Start()
	defer c.Stop()

	clk.Advance(16 * time.Second)

	if got := len(c.History()); got != 3 {
		t.Fatalf("history length=%d, want 3", got)
	}
	if got := len(sink.samples); got != 3 {
		t.Fatalf("sink samples=%d, want 3", got)
	}

	latest, ok := c.Latest()
	if !ok {
		t.Fatalf("Latest: no sample")
	}
	if latest.ActiveRooms != 2 || latest.Participants != 3 || latest.Connections != 4 {
		t.Fatalf("latest sample=%+v", latest)
	}
	if latest.AvgLatencyMs != 42 {
		t.Fatalf("AvgLatencyMs=%v, want 42", latest.AvgLatencyMs)
	}
	if !latest.Timestamp.Equal(time.Unix(15, 0)) {
		t.Fatalf("Timestamp=%v, want t+15s", latest.Timestamp)
	}
}

func TestCollector_HistoryIsBounded(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := newTestCollector(clk, CollectorConfig{SampleInterval: time.Second, History: 5}, &fakeSweeper{}, nil)

	c.Start()
	defer c.Stop()

	clk.Advance(20 * time.Second)

	hist := c.History()
	if len(hist) != 5 {
		t.Fatalf("history length=%d, want 5 (bounded)", len(hist))
	}
	// Oldest retained sample is from t+16s; eviction dropped earlier ones.
	if !hist[0].Timestamp.Equal(time.Unix(16, 0)) {
		t.Fatalf("oldest sample at %v, want t+16s", hist[0].Timestamp)
	}
	if !hist[4].Timestamp.Equal(time.Unix(20, 0)) {
		t.Fatalf("newest sample at %v, want t+20s", hist[4].Timestamp)
	}
	latest, _ := c.Latest()
	if !latest.Timestamp.Equal(time.Unix(20, 0)) {
		t.Fatalf("Latest at %v, want t+20s", latest.Timestamp)
	}
}

func TestCollector_RunsSweepOnItsOwnInterval(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sweep := &fakeSweeper{}
	c := newTestCollector(clk, CollectorConfig{
		SampleInterval:    time.Second,
		History:           10,
		SweepInterval:     5 * time.Minute,
		IdleRoomThreshold: 30 * time.Minute,
	}, sweep, nil)

	c.Start()
	defer c.Stop()

	clk.Advance(4 * time.Minute)
	if sweep.calls != 0 {
		t.Fatalf("sweep ran early: calls=%d", sweep.calls)
	}

	clk.Advance(6 * time.Minute)
	if sweep.calls != 2 {
		t.Fatalf("sweep calls=%d, want 2 after 10m", sweep.calls)
	}
	if sweep.threshold != 30*time.Minute {
		t.Fatalf("sweep threshold=%v, want 30m", sweep.threshold)
	}
}

func TestCollector_StopCancelsTimers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := newTestCollector(clk, CollectorConfig{SampleInterval: time.Second, History: 10}, &fakeSweeper{}, nil)

	c.Start()
	clk.Advance(2 * time.Second)
	c.Stop()
	clk.Advance(10 * time.Second)

	if got := len(c.History()); got != 2 {
		t.Fatalf("history length=%d after Stop, want 2", got)
	}
	if got := clk.Pending(); got != 0 {
		t.Fatalf("pending timers=%d after Stop, want 0", got)
	}
}
