package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_IsolatedRegistries(t *testing.T) {
	// two sets must not collide
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.Pings.Inc()
	if got := testutil.ToFloat64(a.Pings); got != 1 {
		t.Errorf("a.Pings = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.Pings); got != 0 {
		t.Errorf("b.Pings = %v, want 0", got)
	}
}

func TestObserveStore(t *testing.T) {
	m := Discard()
	m.ObserveStore("add", time.Now(), nil)
	m.ObserveStore("add", time.Now(), errors.New("boom"))
	m.ObserveStore("find", time.Now(), nil)

	if got := testutil.ToFloat64(m.StoreOps.WithLabelValues("add", "ok")); got != 1 {
		t.Errorf("add ok = %v", got)
	}
	if got := testutil.ToFloat64(m.StoreOps.WithLabelValues("add", "error")); got != 1 {
		t.Errorf("add error = %v", got)
	}
	if n := testutil.CollectAndCount(m.StoreDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestHandler(t *testing.T) {
	m := Discard()
	m.EnginesLive.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "taskhub_hub_engines 3") {
		t.Errorf("body missing engines gauge:\n%s", rec.Body.String())
	}
}

func TestWatchBusDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	var dropped uint64 = 4
	if err := m.WatchBusDrops(func() uint64 { return dropped }); err != nil {
		t.Fatalf("WatchBusDrops: %v", err)
	}
	dropped = 9

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "taskhub_bus_dropped_messages_total 9") {
		t.Errorf("drop counter not exported:\n%s", rec.Body.String())
	}

	// a second bus on the same registry is a duplicate
	if err := m.WatchBusDrops(func() uint64 { return 0 }); err == nil {
		t.Error("expected duplicate registration error")
	}
}
