package shares

import "testing"

func TestS1HundredAcceptsAllWithinWindow(t *testing.T) {
	ws := NewWorkerShares()
	now := int64(1_700_000_000)

	for i := 0; i < 100; i++ {
		ws.ProcessShare(now, &Share{
			WorkerHashID: 42, UserID: 7, Result: Accept,
			Timestamp: uint32(now - 30), ShareDiff: 1,
		})
	}

	st := ws.Status(now)
	if st.Accept1m != 100 || st.Accept5m != 100 || st.Accept15m != 100 || st.Accept1h != 100 {
		t.Fatalf("got %+v, want all windows = 100", st)
	}
	if st.AcceptCount != 100 {
		t.Fatalf("AcceptCount = %d, want 100", st.AcceptCount)
	}
}

func TestS2OutOfWindowSharesAreDropped(t *testing.T) {
	ws := NewWorkerShares()
	now := int64(1_700_000_000)

	for i := 0; i < 40; i++ {
		ws.ProcessShare(now, &Share{
			WorkerHashID: 42, UserID: 7, Result: Accept,
			Timestamp: uint32(now - 30), ShareDiff: 1,
		})
	}
	for i := 0; i < 60; i++ {
		ws.ProcessShare(now, &Share{
			WorkerHashID: 42, UserID: 7, Result: Accept,
			Timestamp: uint32(now - 3601), ShareDiff: 1,
		})
	}

	st := ws.Status(now)
	if st.Accept1h != 40 {
		t.Fatalf("Accept1h = %d, want 40", st.Accept1h)
	}
	if st.LastShareTime != uint32(now-30) {
		t.Fatalf("LastShareTime = %d, want %d", st.LastShareTime, now-30)
	}
}

func TestBoundaryTimestampAcceptedAndDropped(t *testing.T) {
	ws := NewWorkerShares()
	now := int64(1_700_000_000)

	ws.ProcessShare(now, &Share{WorkerHashID: 1, UserID: 1, Result: Accept, Timestamp: uint32(now - 3600), ShareDiff: 1})
	ws.ProcessShare(now, &Share{WorkerHashID: 1, UserID: 1, Result: Accept, Timestamp: uint32(now - 3601), ShareDiff: 1})

	st := ws.Status(now)
	if st.AcceptCount != 1 {
		t.Fatalf("AcceptCount = %d, want 1 (only the -3600 share is accepted)", st.AcceptCount)
	}
}

func TestFutureShareIsAccepted(t *testing.T) {
	ws := NewWorkerShares()
	now := int64(1_700_000_000)

	ws.ProcessShare(now, &Share{WorkerHashID: 1, UserID: 1, Result: Accept, Timestamp: uint32(now + 1), ShareDiff: 5})

	if ws.acceptCount != 1 {
		t.Fatalf("future share should be accepted, acceptCount = %d", ws.acceptCount)
	}
}

func TestRejectsUseMinuteBuckets(t *testing.T) {
	ws := NewWorkerShares()
	now := int64(1_700_000_000)

	for i := 0; i < 50; i++ {
		ws.ProcessShare(now, &Share{
			WorkerHashID: 43, UserID: 7, Result: Reject,
			Timestamp: uint32(now - 10), ShareDiff: 1,
		})
	}

	st := ws.Status(now)
	if st.Reject15m != 50 || st.Reject1h != 50 {
		t.Fatalf("got %+v, want Reject15m=Reject1h=50", st)
	}
}

func TestLateShareOrderingPreservesObservedBehavior(t *testing.T) {
	ws := NewWorkerShares()
	now := int64(1_700_000_000)

	ws.ProcessShare(now, &Share{WorkerHashID: 1, UserID: 1, Result: Accept, Timestamp: uint32(now - 5), ShareDiff: 1})
	if got := ws.LastShareTime(); got != uint32(now-5) {
		t.Fatalf("LastShareTime = %d, want %d", got, now-5)
	}

	// An older in-window share still moves last_share_time backwards —
	// this is the documented open question, preserved as observed.
	ws.ProcessShare(now, &Share{WorkerHashID: 1, UserID: 1, Result: Accept, Timestamp: uint32(now - 100), ShareDiff: 1})
	if got := ws.LastShareTime(); got != uint32(now-100) {
		t.Fatalf("LastShareTime = %d, want %d (older share must overwrite per observed behavior)", got, now-100)
	}
}

func TestIsExpired(t *testing.T) {
	ws := NewWorkerShares()
	now := int64(1_700_000_000)
	ws.ProcessShare(now, &Share{WorkerHashID: 1, UserID: 1, Result: Accept, Timestamp: uint32(now), ShareDiff: 1})

	if ws.IsExpired(now + 3599) {
		t.Fatal("should not be expired at now+3599")
	}
	if !ws.IsExpired(now + 3601) {
		t.Fatal("should be expired at now+3601")
	}
}

func TestMergeWorkerStatus(t *testing.T) {
	a := WorkerStatus{Accept1h: 100, AcceptCount: 100, LastShareIP: 1, LastShareTime: 10}
	b := WorkerStatus{Reject1h: 50, AcceptCount: 0, LastShareIP: 2, LastShareTime: 20}

	merged := MergeWorkerStatus([]WorkerStatus{a, b})
	if merged.Accept1h != 100 || merged.Reject1h != 50 || merged.AcceptCount != 100 {
		t.Fatalf("got %+v", merged)
	}
	if merged.LastShareIP != 2 || merged.LastShareTime != 20 {
		t.Fatalf("expected merge to take IP/time from greatest LastShareTime entry, got %+v", merged)
	}
}

func TestShareValid(t *testing.T) {
	cases := []struct {
		name string
		s    Share
		want bool
	}{
		{"valid accept", Share{WorkerHashID: 1, UserID: 1, Timestamp: 1, ShareDiff: 1, Result: Accept}, true},
		{"valid reject zero diff", Share{WorkerHashID: 1, UserID: 1, Timestamp: 1, ShareDiff: 0, Result: Reject}, true},
		{"zero worker", Share{WorkerHashID: 0, UserID: 1, Timestamp: 1, ShareDiff: 1, Result: Accept}, false},
		{"zero user", Share{WorkerHashID: 1, UserID: 0, Timestamp: 1, ShareDiff: 1, Result: Accept}, false},
		{"zero timestamp", Share{WorkerHashID: 1, UserID: 1, Timestamp: 0, ShareDiff: 1, Result: Accept}, false},
		{"zero diff accept", Share{WorkerHashID: 1, UserID: 1, Timestamp: 1, ShareDiff: 0, Result: Accept}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.s.Valid(); got != c.want {
				t.Fatalf("Valid() = %v, want %v", got, c.want)
			}
		})
	}
}
