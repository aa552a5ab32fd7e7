package metrics

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
)

// ServerSample is one periodic snapshot of aggregate server state.
type ServerSample struct {
	Timestamp      time.Time `json:"timestamp"`
	ActiveRooms    int       `json:"activeRooms"`
	Connections    int       `json:"connections"`
	Participants   int       `json:"participants"`
	AvgLatencyMs   float64   `json:"avgLatencyMs"`
	HeapAllocBytes uint64    `json:"heapAllocBytes"`
	Goroutines     int       `json:"goroutines"`
}

// RoomSource reports aggregate room state. Implemented by room.Manager.
type RoomSource interface {
	RoomSnapshot() (rooms, participants int, avgLatencyMs float64)
}

// ConnSource reports the number of live client connections.
type ConnSource interface {
	ActiveConnections() int
}

// Sweeper deletes rooms that have been empty past an inactivity threshold.
// Implemented by room.Manager; the sweep is a backstop for empty-room delete
// timers lost to a process restart.
type Sweeper interface {
	SweepIdleRooms(olderThan time.Duration) int
}

// Sink receives each sample. Optional; used to forward snapshots to an
// external metrics collector.
type Sink interface {
	Report(ServerSample)
}

type CollectorConfig struct {
	SampleInterval time.Duration
	History        int

	SweepInterval     time.Duration
	IdleRoomThreshold time.Duration
}

// Collector samples aggregate server state on a fixed interval into a bounded
// ring buffer, and runs the idle-room sweep on a second, slower interval.
type Collector struct {
	log   *slog.Logger
	clk   clock.Clock
	cfg   CollectorConfig
	rooms RoomSource
	conns ConnSource
	sweep Sweeper
	sink  Sink

	mu         sync.Mutex
	buf        []ServerSample
	next       int
	closed     bool
	sampleTmr  clock.Timer
	sweepTmr   clock.Timer
	readMemFn  func() uint64
	goroutines func() int
}

func NewCollector(log *slog.Logger, clk clock.Clock, cfg CollectorConfig, rooms RoomSource, conns ConnSource, sweep Sweeper, sink Sink) *Collector {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.IdleRoomThreshold <= 0 {
		cfg.IdleRoomThreshold = 30 * time.Minute
	}
	return &Collector{
		log:   log,
		clk:   clk,
		cfg:   cfg,
		rooms: rooms,
		conns: conns,
		sweep: sweep,
		sink:  sink,
		buf:   make([]ServerSample, 0, cfg.History),
		readMemFn: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
		goroutines: runtime.NumGoroutine,
	}
}

// Start arms the sampling and sweep timers. Safe to call once.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sampleTmr = c.clk.AfterFunc(c.cfg.SampleInterval, c.onSampleTick)
	c.sweepTmr = c.clk.AfterFunc(c.cfg.SweepInterval, c.onSweepTick)
}

// Stop cancels pending timers. No samples are taken after Stop returns.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.sampleTmr != nil {
		c.sampleTmr.Stop()
	}
	if c.sweepTmr != nil {
		c.sweepTmr.Stop()
	}
}

func (c *Collector) onSampleTick() {
	sample := c.SampleOnce()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.sampleTmr = c.clk.AfterFunc(c.cfg.SampleInterval, c.onSampleTick)
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.Report(sample)
	}
}

func (c *Collector) onSweepTick() {
	swept := c.sweep.SweepIdleRooms(c.cfg.IdleRoomThreshold)
	if swept > 0 {
		c.log.Info("idle room sweep", "deleted", swept, "threshold", c.cfg.IdleRoomThreshold)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sweepTmr = c.clk.AfterFunc(c.cfg.SweepInterval, c.onSweepTick)
}

// SampleOnce takes a single sample and appends it to the history, evicting
// the oldest entry once capacity is reached.
func (c *Collector) SampleOnce() ServerSample {
	rooms, participants, avgLatency := c.rooms.RoomSnapshot()
	sample := ServerSample{
		Timestamp:      c.clk.Now(),
		ActiveRooms:    rooms,
		Participants:   participants,
		AvgLatencyMs:   avgLatency,
		Connections:    c.conns.ActiveConnections(),
		HeapAllocBytes: c.readMemFn(),
		Goroutines:     c.goroutines(),
	}

	c.mu.Lock()
	if len(c.buf) < c.cfg.History {
		c.buf = append(c.buf, sample)
	} else {
		c.buf[c.next] = sample
		c.next = (c.next + 1) % c.cfg.History
	}
	c.mu.Unlock()

	return sample
}

// Latest returns the most recent sample, if any.
func (c *Collector) Latest() (ServerSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return ServerSample{}, false
	}
	if len(c.buf) < c.cfg.History {
		return c.buf[len(c.buf)-1], true
	}
	return c.buf[(c.next+c.cfg.History-1)%c.cfg.History], true
}

// History returns all retained samples in chronological order.
func (c *Collector) History() []ServerSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerSample, 0, len(c.buf))
	if len(c.buf) < c.cfg.History {
		return append(out, c.buf...)
	}
	out = append(out, c.buf[c.next:]...)
	return append(out, c.buf[:c.next]...)
}
