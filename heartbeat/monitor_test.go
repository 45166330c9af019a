package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/protocol"
)

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero period", Config{MaxMisses: 3}, true},
		{"zero misses", Config{Period: time.Second}, true},
		{"tight", Config{Period: time.Millisecond, MaxMisses: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Period != 3*time.Second {
		t.Errorf("Period = %v, want 3s", cfg.Period)
	}
	if cfg.MaxMisses != 10 {
		t.Errorf("MaxMisses = %d, want 10", cfg.MaxMisses)
	}
	if cfg.FailureAfter() != 30*time.Second {
		t.Errorf("FailureAfter = %v", cfg.FailureAfter())
	}
}

func TestToken(t *testing.T) {
	if Token(0) != "0" || Token(42) != "42" {
		t.Errorf("Token rendering wrong: %q %q", Token(0), Token(42))
	}
}

func TestNewMonitor_RequiresBus(t *testing.T) {
	if _, err := NewMonitor(MonitorConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewMonitor without bus = %v", err)
	}
}

// --- Integration Tests ---

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handler(prefix string) Handler {
	return func(heart string) error {
		r.mu.Lock()
		r.events = append(r.events, prefix+":"+heart)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// newTestMonitor returns a started monitor that only ticks when Beat is
// called.
func newTestMonitor(t *testing.T, b bus.MessageBus, maxMisses int, m *metrics.Metrics) *Monitor {
	t.Helper()
	mon, err := NewMonitor(MonitorConfig{
		Config:  Config{Period: time.Hour, MaxMisses: maxMisses},
		Bus:     b,
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	return mon
}

func startMonitor(t *testing.T, mon *Monitor) {
	t.Helper()
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { mon.Stop() })
}

func beat(t *testing.T, mon *Monitor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mon.Beat(ctx); err != nil {
		t.Fatalf("Beat error: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func sendPong(t *testing.T, b bus.MessageBus, heart, token string) {
	t.Helper()
	data, err := codec.JSON().Marshal(protocol.Pong{Identity: heart, Token: token})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(protocol.SubjectPong, data); err != nil {
		t.Fatal(err)
	}
}

func TestMonitor_NewHeartAndConvergence(t *testing.T) {
	const maxMisses = 4
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	heart, err := NewHeart(HeartConfig{Bus: msgBus, Identity: "h1"})
	if err != nil {
		t.Fatalf("NewHeart error: %v", err)
	}
	if err := heart.Start(context.Background()); err != nil {
		t.Fatalf("heart Start error: %v", err)
	}
	defer heart.Stop()

	m := metrics.Discard()
	mon := newTestMonitor(t, msgBus, maxMisses, m)
	rec := &recorder{}
	mon.OnNewHeart(rec.handler("new"))
	mon.OnHeartFailure(rec.handler("failed"))
	startMonitor(t, mon)

	waitFor(t, "first pong", func() bool { return heart.Beats() == 1 })
	beat(t, mon)
	if !mon.IsBeating("h1") {
		t.Fatal("h1 should be beating after first tick")
	}
	if got := rec.list(); len(got) != 1 || got[0] != "new:h1" {
		t.Fatalf("events = %v", got)
	}

	waitFor(t, "second pong", func() bool { return heart.Beats() == 2 })
	heart.SetPaused(true)
	beat(t, mon) // consumes the answer to the previous ping

	for i := 1; i < maxMisses; i++ {
		beat(t, mon)
		if !mon.IsBeating("h1") {
			t.Fatalf("h1 declared dead after %d misses, want %d", i, maxMisses)
		}
	}
	beat(t, mon)
	if mon.IsBeating("h1") {
		t.Fatalf("h1 still beating after %d misses", maxMisses)
	}
	if got := rec.list(); len(got) != 2 || got[1] != "failed:h1" {
		t.Fatalf("events = %v", got)
	}
	if n := testutil.ToFloat64(m.HeartMisses); n != maxMisses {
		t.Errorf("misses = %v, want %d", n, maxMisses)
	}
	if n := testutil.ToFloat64(m.HeartsBeating); n != 0 {
		t.Errorf("hearts gauge = %v", n)
	}

	// a failed heart that comes back is new again
	heart.SetPaused(false)
	beats := heart.Beats()
	beat(t, mon)
	waitFor(t, "pong after resume", func() bool { return heart.Beats() > beats })
	beat(t, mon)
	if !mon.IsBeating("h1") {
		t.Error("resumed heart should be tracked again")
	}
	if got := rec.list(); got[len(got)-1] != "new:h1" {
		t.Errorf("events = %v", got)
	}
}

func TestMonitor_LatePongGrace(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	mon := newTestMonitor(t, msgBus, 2, nil)
	rec := &recorder{}
	mon.OnHeartFailure(rec.handler("failed"))
	startMonitor(t, mon)

	sendPong(t, msgBus, "h1", "0")
	beat(t, mon) // lifetime 1
	if !mon.IsBeating("h1") {
		t.Fatal("h1 not registered")
	}

	sendPong(t, msgBus, "h1", "0") // late once: graced
	beat(t, mon)                   // lifetime 2
	sendPong(t, msgBus, "h1", "1") // late twice: first miss
	beat(t, mon)                   // lifetime 3
	if !mon.IsBeating("h1") {
		t.Fatal("h1 failed too early")
	}

	sendPong(t, msgBus, "h1", "3") // on time: probation cleared
	beat(t, mon)                   // lifetime 4

	sendPong(t, msgBus, "h1", "bogus") // ignored: first miss
	beat(t, mon)
	if !mon.IsBeating("h1") {
		t.Fatal("probation should have been cleared by the on-time pong")
	}
	beat(t, mon) // silent: second miss
	if mon.IsBeating("h1") {
		t.Fatal("h1 should have failed")
	}
	if got := rec.list(); len(got) != 1 || got[0] != "failed:h1" {
		t.Errorf("events = %v", got)
	}
}

func TestMonitor_UnknownLatePongIsNotNew(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	mon := newTestMonitor(t, msgBus, 3, nil)
	startMonitor(t, mon)
	beat(t, mon) // lifetime 1

	sendPong(t, msgBus, "h9", "0")
	beat(t, mon)
	if mon.IsBeating("h9") {
		t.Error("a late pong must not register a new heart")
	}
}

func TestMonitor_HandlerIsolation(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	m := metrics.Discard()
	mon := newTestMonitor(t, msgBus, 3, m)
	rec := &recorder{}
	mon.OnNewHeart(func(string) error { panic("handler bug") })
	mon.OnNewHeart(func(string) error { return errors.New("handler error") })
	mon.OnNewHeart(rec.handler("new"))
	startMonitor(t, mon)

	sendPong(t, msgBus, "h1", "0")
	beat(t, mon)
	sendPong(t, msgBus, "h2", "1")
	beat(t, mon)

	if got := rec.list(); len(got) != 2 || got[0] != "new:h1" || got[1] != "new:h2" {
		t.Errorf("events = %v", got)
	}
	if n := testutil.ToFloat64(m.CallbackPanics.WithLabelValues(EventNewHeart)); n != 4 {
		t.Errorf("handler failures = %v, want 4", n)
	}
	if got := mon.Hearts(); len(got) != 2 {
		t.Errorf("hearts = %v", got)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	mon := newTestMonitor(t, msgBus, 3, nil)
	if err := mon.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := mon.Beat(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Beat before Start = %v", err)
	}
	if err := mon.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mon.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}
	if err := mon.Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
}

func TestMonitor_Ticks(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	heart, _ := NewHeart(HeartConfig{Bus: msgBus, Identity: "h1"})
	heart.Start(context.Background())
	defer heart.Stop()

	mon, err := NewMonitor(MonitorConfig{
		Config: Config{Period: 10 * time.Millisecond, MaxMisses: 3},
		Bus:    msgBus,
	})
	if err != nil {
		t.Fatal(err)
	}
	startMonitor(t, mon)

	waitFor(t, "heart tracked by timer ticks", func() bool { return mon.IsBeating("h1") })
}
