package kvstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/tos-network/pool-stats/internal/shares"
)

func newTestStore(t *testing.T, keyExpire, publishPolicy, indexPolicy int) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(mr.Addr(), "", 0, "pool_stats:", keyExpire, publishPolicy, indexPolicy)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestFlushPartitionWorkerEntry(t *testing.T) {
	s, mr := newTestStore(t, 0, 0, 0)
	ctx := context.Background()

	entries := []Entry{{
		UserID:   7,
		WorkerID: 42,
		Status: shares.WorkerStatus{
			Accept1m: 1, Accept5m: 2, Accept15m: 3, Accept1h: 4,
			Reject15m: 5, Reject1h: 6, AcceptCount: 7,
			LastShareIP: 0x7f000001, LastShareTime: 1000,
		},
	}}

	if err := s.FlushPartition(ctx, entries, 1000); err != nil {
		t.Fatalf("FlushPartition: %v", err)
	}

	key := s.WorkerKey(7, 42)
	v := mr.HGet(key, "accept_1h")
	if v != "4" {
		t.Errorf("accept_1h = %q, want 4", v)
	}
	if mr.Exists(s.UserKey(7)) {
		t.Errorf("worker flush should not touch the user aggregate key")
	}
}

func TestFlushPartitionUserEntryCarriesWorkerCount(t *testing.T) {
	s, mr := newTestStore(t, 0, 0, 0)
	ctx := context.Background()

	entries := []Entry{{UserID: 7, WorkerID: 0, WorkerCount: 3}}
	if err := s.FlushPartition(ctx, entries, 1000); err != nil {
		t.Fatalf("FlushPartition: %v", err)
	}

	v := mr.HGet(s.UserKey(7), "worker_count")
	if v != "3" {
		t.Errorf("worker_count = %q, want 3", v)
	}
}

func TestFlushPartitionAppliesExpire(t *testing.T) {
	s, mr := newTestStore(t, 60, 0, 0)
	ctx := context.Background()

	entries := []Entry{{UserID: 1, WorkerID: 1, Status: shares.WorkerStatus{}}}
	if err := s.FlushPartition(ctx, entries, 0); err != nil {
		t.Fatalf("FlushPartition: %v", err)
	}
	ttl := mr.TTL(s.WorkerKey(1, 1))
	if ttl <= 0 {
		t.Errorf("expected a positive TTL, got %v", ttl)
	}
}

func TestFlushPartitionPublishesWhenPolicySet(t *testing.T) {
	s, _ := newTestStore(t, 0, PublishWorkerUpdate, 0)
	ctx := context.Background()

	entries := []Entry{{UserID: 2, WorkerID: 5}}
	if err := s.FlushPartition(ctx, entries, 0); err != nil {
		t.Fatalf("FlushPartition with publish policy set: %v", err)
	}
}

func TestFlushPartitionIndexesSortedSets(t *testing.T) {
	s, _ := newTestStore(t, 0, 0, IndexAccept1h|IndexAcceptCount)
	ctx := context.Background()

	entries := []Entry{
		{UserID: 9, WorkerID: 1, Status: shares.WorkerStatus{Accept1h: 10, AcceptCount: 1}},
		{UserID: 9, WorkerID: 2, Status: shares.WorkerStatus{Accept1h: 20, AcceptCount: 2}},
	}
	if err := s.FlushPartition(ctx, entries, 0); err != nil {
		t.Fatalf("FlushPartition: %v", err)
	}

	zs, err := s.client.ZRangeWithScores(ctx, s.IndexKey(9, "accept_1h"), 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRangeWithScores: %v", err)
	}
	if len(zs) != 2 {
		t.Fatalf("got %d members, want 2", len(zs))
	}
	if zs[0].Member != "1" || zs[0].Score != 10 {
		t.Errorf("first member = %+v, want worker 1 score 10", zs[0])
	}
	if zs[1].Member != "2" || zs[1].Score != 20 {
		t.Errorf("second member = %+v, want worker 2 score 20", zs[1])
	}
}

func TestUpsertWorkerUpdateIndexesNameByAlphaNumRank(t *testing.T) {
	s, mr := newTestStore(t, 0, 0, IndexWorkerName)
	ctx := context.Background()

	if err := s.UpsertWorkerUpdate(ctx, WorkerUpdate{
		UserID: 3, WorkerID: 11, WorkerName: "antminer1", MinerAgent: "cgminer",
	}, 123); err != nil {
		t.Fatalf("UpsertWorkerUpdate: %v", err)
	}

	name := mr.HGet(s.WorkerKey(3, 11), "worker_name")
	if name != "antminer1" {
		t.Errorf("worker_name = %q, want antminer1", name)
	}

	score, err := mr.ZScore(s.IndexKey(3, "worker_name"), "11")
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	if score == 0 {
		t.Errorf("expected a non-zero AlphaNumRank score for worker_name index")
	}
}

func TestPartitionRanges(t *testing.T) {
	cases := []struct {
		n, c int
		want [][2]int
	}{
		{10, 3, [][2]int{{0, 4}, {4, 8}, {8, 10}}},
		{6, 3, [][2]int{{0, 2}, {2, 4}, {4, 6}}},
		{0, 3, nil},
		{5, 1, [][2]int{{0, 5}}},
	}
	for _, c := range cases {
		got := Partition(c.n, c.c)
		if len(got) != len(c.want) {
			t.Fatalf("Partition(%d,%d) = %v, want %v", c.n, c.c, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("Partition(%d,%d)[%d] = %v, want %v", c.n, c.c, i, got[i], c.want[i])
			}
		}
	}
	total := 0
	for _, r := range Partition(10, 3) {
		total += r[1] - r[0]
	}
	if total != 10 {
		t.Errorf("partitions should cover every item exactly once, covered %d of 10", total)
	}
}
