package breaker

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	base := time.Now()
	b.now = func() time.Time { return base }

	b.RecordFailure("tok", ErrNotFound, nil)
	b.RecordFailure("tok", ErrNotFound, nil)
	if b.IsOpen("tok") {
		t.Fatal("circuit should stay closed below threshold")
	}

	b.RecordFailure("tok", ErrNotFound, nil)
	if !b.IsOpen("tok") {
		t.Fatal("circuit should open at three failures")
	}
}

func TestWindowResetsCount(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	base := time.Now()
	b.now = func() time.Time { return base }

	b.RecordFailure("tok", ErrTimeout, nil)
	b.RecordFailure("tok", ErrTimeout, nil)

	// Failures outside the window no longer count toward the threshold.
	base = base.Add(FailureWindow + time.Second)
	b.RecordFailure("tok", ErrTimeout, nil)
	if b.IsOpen("tok") {
		t.Fatal("stale failures should not open the circuit")
	}
}

func TestWindowResetPreservesLastKnownPrice(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	base := time.Now()
	b.now = func() time.Time { return base }

	price := 0.65
	b.RecordFailure("tok", ErrNetwork, &price)

	base = base.Add(FailureWindow + time.Second)
	b.RecordFailure("tok", ErrNetwork, nil)

	got, ok := b.LastKnownPrice("tok")
	if !ok || got != 0.65 {
		t.Fatalf("last known price = %v (%v), want 0.65", got, ok)
	}
}

func TestCooldownExpiryDeletesEntry(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < FailureThreshold; i++ {
		b.RecordFailure("tok", ErrOther, nil)
	}
	if !b.IsOpen("tok") {
		t.Fatal("circuit should be open")
	}

	base = base.Add(Cooldown)
	if b.IsOpen("tok") {
		t.Fatal("circuit should close when the cooldown elapses")
	}
	if b.Len() != 0 {
		t.Errorf("entry should be deleted on cooldown expiry, len = %d", b.Len())
	}
}

func TestRecordSuccessClears(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	for i := 0; i < FailureThreshold; i++ {
		b.RecordFailure("tok", ErrNotFound, nil)
	}

	b.RecordSuccess("tok")
	if b.IsOpen("tok") {
		t.Fatal("success should close the circuit")
	}
	if b.Len() != 0 {
		t.Errorf("len = %d, want 0", b.Len())
	}
}

func TestFIFOCap(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	for i := 0; i < maxEntries+10; i++ {
		b.RecordFailure(fmt.Sprintf("tok%d", i), ErrOther, nil)
	}
	if b.Len() != maxEntries {
		t.Fatalf("len = %d, want %d", b.Len(), maxEntries)
	}
}
