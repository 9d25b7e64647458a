package breaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBreaker(maxFailures int, recovery time.Duration) *Breaker {
	return New(Config{
		Name:                "test",
		MaxFailures:         maxFailures,
		RecoveryTimeout:     recovery,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
}

func TestClosedAllowsRequests(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	for i := 0; i < 10; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker rejected request %d", i)
		}
		b.RecordSuccess()
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", b.GetState())
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}

	if b.GetState() != StateOpen {
		t.Fatalf("state = %s after %d failures, want open", b.GetState(), 3)
	}
	if b.Allow() {
		t.Error("open breaker must reject requests")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed (failures are not consecutive)", b.GetState())
	}
}

func TestHalfOpenProbeAfterRecoveryTimeout(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.Allow()
	b.RecordFailure()
	if b.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", b.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should allow a probe after the recovery timeout")
	}
	if b.GetState() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.GetState())
	}

	// only one probe allowed
	if b.Allow() {
		t.Error("half-open breaker allowed a second probe")
	}

	b.RecordSuccess()
	if b.GetState() != StateClosed {
		t.Errorf("state = %s after successful probe, want closed", b.GetState())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("probe not allowed")
	}
	b.RecordFailure()

	if b.GetState() != StateOpen {
		t.Errorf("state = %s after failed probe, want open", b.GetState())
	}
	if b.Allow() {
		t.Error("re-opened breaker must reject requests")
	}
}

func TestReset(t *testing.T) {
	b := newTestBreaker(1, time.Hour)

	b.Allow()
	b.RecordFailure()
	if b.GetState() != StateOpen {
		t.Fatal("breaker should be open")
	}

	b.Reset()
	if b.GetState() != StateClosed {
		t.Errorf("state = %s after reset, want closed", b.GetState())
	}
	if !b.Allow() {
		t.Error("reset breaker must allow requests")
	}
}

func TestStats(t *testing.T) {
	b := newTestBreaker(5, time.Minute)

	b.Allow()
	b.RecordSuccess()
	b.Allow()
	b.RecordFailure()

	s := b.Stats()
	if s.TotalRequests != 2 || s.TotalSuccesses != 1 || s.TotalFailures != 1 {
		t.Errorf("stats = %+v, want 2 requests / 1 success / 1 failure", s)
	}
	if s.State != "closed" {
		t.Errorf("state = %s, want closed", s.State)
	}
}
