package resume

import (
	"testing"
	"time"
)

func TestSaveGetClear(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.Save("u1", Record{SessionID: "s1", Kind: KindQuotaExceeded, Message: "quota"})
	rec, ok := tr.Get("u1")
	if !ok {
		t.Fatalf("Get(u1) should find a record")
	}
	if rec.SessionID != "s1" || rec.Kind != KindQuotaExceeded {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !tr.Has("u1") {
		t.Fatalf("Has(u1) should be true")
	}

	tr.Clear("u1")
	if tr.Has("u1") {
		t.Fatalf("record should be gone after Clear")
	}
	tr.Clear("u1") // clearing again is a no-op
}

func TestSaveOverwritesExisting(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Save("u1", Record{SessionID: "old", Kind: KindUpstreamError})
	tr.Save("u1", Record{SessionID: "new", Kind: KindConnectionFailed})

	rec, ok := tr.Get("u1")
	if !ok || rec.SessionID != "new" || rec.Kind != KindConnectionFailed {
		t.Fatalf("Get(u1)=%+v,%v, want the newer record", rec, ok)
	}
}

func TestLazyExpiry(t *testing.T) {
	tr := NewTracker(time.Minute)
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.Save("u1", Record{SessionID: "s1", Kind: KindDeviceError})

	tr.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := tr.Get("u1"); ok {
		t.Fatalf("record older than the window should not be returned")
	}
	// And it is removed entirely, not just hidden.
	tr.now = func() time.Time { return base }
	if _, ok := tr.Get("u1"); ok {
		t.Fatalf("expired record should have been deleted")
	}
}

func TestScheduledExpiry(t *testing.T) {
	tr := NewTracker(20 * time.Millisecond)
	tr.Save("u1", Record{SessionID: "s1", Kind: KindDeviceError})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !tr.Has("u1") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record should expire via its timer")
}
