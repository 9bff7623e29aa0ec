package logdedup

import (
	"fmt"
	"testing"
	"time"
)

func TestShouldLogRespectsTTL(t *testing.T) {
	t.Parallel()

	d := New(0)
	base := time.Now()
	d.now = func() time.Time { return base }

	if !d.ShouldLog("k", time.Minute, "") {
		t.Fatal("first call should log")
	}
	if d.ShouldLog("k", time.Minute, "") {
		t.Fatal("second call within TTL should be suppressed")
	}

	base = base.Add(61 * time.Second)
	if !d.ShouldLog("k", time.Minute, "") {
		t.Fatal("call after TTL should log again")
	}
}

func TestShouldLogFingerprintRearms(t *testing.T) {
	t.Parallel()

	d := New(0)
	base := time.Now()
	d.now = func() time.Time { return base }

	if !d.ShouldLog("k", time.Minute, "payload-a") {
		t.Fatal("first call should log")
	}
	if !d.ShouldLog("k", time.Minute, "payload-b") {
		t.Fatal("changed fingerprint should re-arm immediately")
	}
	if d.ShouldLog("k", time.Minute, "payload-b") {
		t.Fatal("same fingerprint within TTL should be suppressed")
	}
}

func TestFIFOEviction(t *testing.T) {
	t.Parallel()

	d := New(3)
	for i := 0; i < 4; i++ {
		d.ShouldLog(fmt.Sprintf("k%d", i), time.Hour, "")
	}

	if d.Len() != 3 {
		t.Fatalf("len = %d, want 3", d.Len())
	}
	// k0 was evicted, so it fires again despite the long TTL.
	if !d.ShouldLog("k0", time.Hour, "") {
		t.Error("evicted key should log again")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	d := New(0)
	d.ShouldLog("k", time.Hour, "")
	d.Reset()

	if d.Len() != 0 {
		t.Fatalf("len after reset = %d", d.Len())
	}
	if !d.ShouldLog("k", time.Hour, "") {
		t.Error("key should log after reset")
	}
}
