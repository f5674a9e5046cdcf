package livestats

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tos-network/pool-stats/internal/kvstore"
	"github.com/tos-network/pool-stats/internal/mysqlstore"
	"github.com/tos-network/pool-stats/internal/shares"
)

func newTestServer() *Server {
	return NewServer(Config{
		RedisConcurrency: 2,
		FlushInterval:    time.Second,
		SweepInterval:    time.Minute,
	})
}

func share(userID int32, workerID int64, ts uint32, result shares.Result, diff uint64) *shares.Share {
	return &shares.Share{
		JobID: 1, WorkerHashID: workerID, UserID: userID, IP: 0x01020304,
		Result: result, Timestamp: ts, ShareDiff: diff,
	}
}

func TestProcessShareUpdatesWorkerUserAndPool(t *testing.T) {
	s := newTestServer()
	now := int64(1_700_000_000)

	s.processShare(now, share(7, 42, uint32(now), shares.Accept, 100))

	key := shares.WorkerKey{UserID: 7, WorkerID: 42}
	s.mu.RLock()
	w, ok := s.workerIndex[key]
	u, uok := s.userIndex[7]
	totalWorkers := s.totalWorkers
	totalUsers := s.totalUsers
	s.mu.RUnlock()

	if !ok || !uok {
		t.Fatal("expected worker and user entries to be created")
	}
	if totalWorkers != 1 || totalUsers != 1 {
		t.Fatalf("totalWorkers=%d totalUsers=%d, want 1,1", totalWorkers, totalUsers)
	}

	st := w.Status(now)
	if st.Accept1h != 100 || st.AcceptCount != 1 {
		t.Errorf("worker status = %+v, want Accept1h=100 AcceptCount=1", st)
	}
	ust := u.Status(now)
	if ust.Accept1h != 100 {
		t.Errorf("user status accept1h = %d, want 100", ust.Accept1h)
	}

	poolSt := s.poolShares.Status(now)
	if poolSt.Accept1h != 100 {
		t.Errorf("pool accept1h = %d, want 100", poolSt.Accept1h)
	}
}

func TestWorkerFirstSightIncrementsUserWorkerCount(t *testing.T) {
	s := newTestServer()
	now := int64(1_700_000_000)

	s.processShare(now, share(9, 1, uint32(now), shares.Accept, 10))
	s.processShare(now, share(9, 2, uint32(now), shares.Accept, 10))
	s.processShare(now, share(9, 1, uint32(now)+1, shares.Accept, 10))

	s.mu.RLock()
	count := s.userWorkerCount[9]
	tw := s.totalWorkers
	s.mu.RUnlock()

	if count != 2 {
		t.Errorf("userWorkerCount[9] = %d, want 2", count)
	}
	if tw != 2 {
		t.Errorf("totalWorkers = %d, want 2", tw)
	}
}

func TestWorkerStatusReturnsUserAggregateForZeroWorkerID(t *testing.T) {
	s := newTestServer()
	now := shares.Now()
	s.processShare(now, share(3, 55, uint32(now), shares.Accept, 50))

	entries := s.WorkerStatus(3, []int64{0}, false)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Status.Accept1h != 50 {
		t.Errorf("aggregate accept1h = %d, want 50", entries[0].Status.Accept1h)
	}
}

func TestWorkerStatusMergesAcrossWorkers(t *testing.T) {
	s := newTestServer()
	now := shares.Now()
	s.processShare(now, share(4, 1, uint32(now), shares.Accept, 10))
	s.processShare(now, share(4, 2, uint32(now), shares.Accept, 20))

	merged := s.WorkerStatus(4, []int64{1, 2}, true)
	if len(merged) != 1 {
		t.Fatalf("got %d entries, want 1 merged entry", len(merged))
	}
	if merged[0].Status.Accept1h != 30 {
		t.Errorf("merged accept1h = %d, want 30", merged[0].Status.Accept1h)
	}
}

func TestSweepExpiredRemovesStaleEntriesAndDecrementsCounts(t *testing.T) {
	s := newTestServer()
	past := int64(1_000_000)
	s.processShare(past, share(1, 1, uint32(past), shares.Accept, 5))

	s.sweepExpired()

	s.mu.RLock()
	_, workerOk := s.workerIndex[shares.WorkerKey{UserID: 1, WorkerID: 1}]
	_, userOk := s.userIndex[1]
	tw, tu := s.totalWorkers, s.totalUsers
	s.mu.RUnlock()

	if workerOk || userOk {
		t.Error("expected stale worker and user entries to be swept")
	}
	if tw != 0 || tu != 0 {
		t.Errorf("totalWorkers=%d totalUsers=%d, want 0,0", tw, tu)
	}
}

func TestSweepExpiredKeepsFreshEntries(t *testing.T) {
	s := newTestServer()
	now := shares.Now()
	s.processShare(now, share(1, 1, uint32(now), shares.Accept, 5))

	s.sweepExpired()

	s.mu.RLock()
	_, ok := s.workerIndex[shares.WorkerKey{UserID: 1, WorkerID: 1}]
	s.mu.RUnlock()
	if !ok {
		t.Error("fresh entry should not be swept")
	}
}

func TestFlushRelationalCallsFlushWorkerStatus(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mysql := mysqlstore.NewForTest(db, 12345)

	s := newTestServer()
	s.mysql = mysql
	s.initializing.Store(false)
	now := shares.Now()
	s.processShare(now, share(1, 1, uint32(now), shares.Accept, 5))

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMPORARY TABLE mining_workers_tmp_12345`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO mining_workers_tmp_12345`).WillReturnResult(sqlmock.NewResult(1, 2))
	mock.ExpectExec(`INSERT INTO mining_workers[\s\S]*ON DUPLICATE KEY UPDATE`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DROP TEMPORARY TABLE mining_workers_tmp_12345`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	s.flushRelational()

	require.NoError(t, mock.ExpectationsWereMet())
	if s.FlushDBTime() == 0 {
		t.Error("expected FlushDBTime to be set after a successful flush")
	}
}

func TestFlushRelationalSkipsWhenAlreadyRunning(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := newTestServer()
	s.mysql = mysqlstore.NewForTest(db, 1)
	s.isInserting.Store(true)

	s.flushRelational()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushKVPartitionsAcrossRedisConcurrency(t *testing.T) {
	mr := miniredis.RunT(t)
	kv, err := kvstore.Open(mr.Addr(), "", 0, "pool_stats:", 0, 0, 0)
	require.NoError(t, err)
	defer kv.Close()

	s := newTestServer()
	s.kv = kv
	s.redisConcurrency = 2
	now := shares.Now()
	for i := int64(1); i <= 5; i++ {
		s.processShare(now, share(1, i, uint32(now), shares.Accept, 10))
	}

	s.flushKV()

	v := mr.HGet(kv.WorkerKey(1, 3), "accept_1h")
	if v != "10" {
		t.Errorf("accept_1h = %q, want 10", v)
	}
}

func TestHandleWorkerUpdateCallsMySQLAndKV(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	kv, err := kvstore.Open(mr.Addr(), "", 0, "pool_stats:", 0, 0, 0)
	require.NoError(t, err)
	defer kv.Close()

	mock.ExpectExec(`UPDATE mining_workers`).WillReturnResult(sqlmock.NewResult(0, 1))

	s := newTestServer()
	s.mysql = mysqlstore.NewForTest(db, 1)
	s.kv = kv
	s.ctx = context.Background()

	s.handleWorkerUpdate(7, 42, "  rig-1  ", "cgminer/4.10")

	require.NoError(t, mock.ExpectationsWereMet())
	name := mr.HGet(kv.WorkerKey(7, 42), "worker_name")
	if name != "rig-1" {
		t.Errorf("worker_name = %q, want rig-1 (trimmed)", name)
	}
}

func TestStatusReportsPoolAndCounts(t *testing.T) {
	s := newTestServer()
	now := shares.Now()
	s.processShare(now, share(1, 1, uint32(now), shares.Accept, 10))
	s.processShare(now, share(2, 2, uint32(now), shares.Accept, 20))

	st := s.Status()
	if st.TotalWorkers != 2 || st.TotalUsers != 2 {
		t.Errorf("Status = %+v, want 2 workers and 2 users", st)
	}
	if st.Pool.Accept1h != 30 {
		t.Errorf("pool accept1h = %d, want 30", st.Pool.Accept1h)
	}
}

func TestRecordRequestAccumulates(t *testing.T) {
	s := newTestServer()
	s.RecordRequest(100)
	s.RecordRequest(50)

	st := s.Status()
	if st.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", st.RequestCount)
	}
	if st.ResponseBytes != 150 {
		t.Errorf("ResponseBytes = %d, want 150", st.ResponseBytes)
	}
}
