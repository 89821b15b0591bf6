package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tidepool/core/events"
)

func TestEventMetricsTrackDestroyedValue(t *testing.T) {
	registry := Events()
	before := testutil.ToFloat64(registry.Destroyed("obs"))
	registry.Emit(events.BurnDripped{Asset: "obs", Amount: big.NewInt(25)})
	registry.Emit(events.BurnDripped{Asset: "OBS", Amount: big.NewInt(5)})
	if got := testutil.ToFloat64(registry.Destroyed("obs")) - before; got != 30 {
		t.Fatalf("expected 30 destroyed, got %v", got)
	}
	if got := testutil.ToFloat64(registry.events.WithLabelValues(events.TypeBurnDripped)); got < 2 {
		t.Fatalf("expected drip events to be counted, got %v", got)
	}
}

func TestPooldMetricsObserve(t *testing.T) {
	m := Poold()
	m.Observe("/v1/claim", "POST", 409, 5*time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/claim", "409")); got < 1 {
		t.Fatalf("expected error to be counted, got %v", got)
	}
	m.RecordOperation("claim", errors.New("boom"))
	if got := testutil.ToFloat64(m.operations.WithLabelValues("claim", "rejected")); got < 1 {
		t.Fatalf("expected rejected operation, got %v", got)
	}
	m.SetEpoch(604800)
	if got := testutil.ToFloat64(m.epoch); got != 604800 {
		t.Fatalf("unexpected epoch gauge %v", got)
	}

	var nilMetrics *PooldMetrics
	nilMetrics.Observe("x", "GET", 200, time.Second)
}

func TestBigToFloat(t *testing.T) {
	if bigToFloat(nil) != 0 {
		t.Fatalf("expected nil to map to zero")
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 2000)
	if got := bigToFloat(huge); got != 0 {
		t.Fatalf("expected overflow guard, got %v", got)
	}
}
