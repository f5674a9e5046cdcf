// Package kvstore is the key/value side of the live-stats periodic
// flush: pipelined HMSET/EXPIRE/PUBLISH per worker and user entry, plus
// sorted-set indexing, against Redis. Grounded on the teacher's
// internal/storage/redis.go pipelining idiom, adapted to this pipeline's
// key layout and hash schema.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/pool-stats/internal/shares"
	"github.com/tos-network/pool-stats/internal/util"
)

// Index policy bits, OR'd together in redis_index_policy, in the fixed
// order the hash fields are indexed in.
const (
	IndexAccept1m = 1 << iota
	IndexAccept5m
	IndexAccept15m
	IndexReject15m
	IndexAccept1h
	IndexReject1h
	IndexAcceptCount
	IndexLastShareIP
	IndexLastShareTime
	IndexWorkerName
	IndexMinerAgent
)

// Publish policy bits, mirroring config.PublishWorkerUpdate/UserUpdate.
const (
	PublishWorkerUpdate = 1 << 0
	PublishUserUpdate   = 1 << 1
)

// Store wraps a *redis.Client with the pipelined flush and indexing
// operations the live-stats server needs.
type Store struct {
	client *redis.Client

	prefix        string
	keyExpire     time.Duration
	publishPolicy int
	indexPolicy   int
}

// Open connects to addr/db and pings it, matching the teacher's
// connect-then-ping-at-startup pattern.
func Open(addr, password string, db int, prefix string, keyExpireSeconds, publishPolicy, indexPolicy int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: ping %s: %w", addr, err)
	}

	return &Store{
		client:        client,
		prefix:        prefix,
		keyExpire:     time.Duration(keyExpireSeconds) * time.Second,
		publishPolicy: publishPolicy,
		indexPolicy:   indexPolicy,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// WorkerKey returns the hash key for one worker's entry.
func (s *Store) WorkerKey(userID int32, workerID int64) string {
	return fmt.Sprintf("%smining_workers/pu/%d/wk/%d", s.prefix, userID, workerID)
}

// UserKey returns the hash key for a user's aggregate entry.
func (s *Store) UserKey(userID int32) string {
	return fmt.Sprintf("%smining_workers/pu/%d/all", s.prefix, userID)
}

// IndexKey returns the sorted-set key for one (user, metric) index.
func (s *Store) IndexKey(userID int32, indexName string) string {
	return fmt.Sprintf("%smining_workers/pu/%d/sort/%s", s.prefix, userID, indexName)
}

// Entry is one worker or user aggregate snapshot to flush into Redis.
// WorkerID == 0 marks a user aggregate entry (see shares.WorkerKey).
type Entry struct {
	UserID      int32
	WorkerID    int64
	Status      shares.WorkerStatus
	WorkerCount uint32 // only meaningful when WorkerID == 0
}

func (e Entry) isUserAggregate() bool { return e.WorkerID == 0 }

// indexMetric names one indexable field and how to score a member from
// an entry, in the bit order of the index policy constants above.
type indexMetric struct {
	bit  int
	name string
	score func(Entry) float64
}

var indexMetrics = []indexMetric{
	{IndexAccept1m, "accept_1m", func(e Entry) float64 { return float64(e.Status.Accept1m) }},
	{IndexAccept5m, "accept_5m", func(e Entry) float64 { return float64(e.Status.Accept5m) }},
	{IndexAccept15m, "accept_15m", func(e Entry) float64 { return float64(e.Status.Accept15m) }},
	{IndexReject15m, "reject_15m", func(e Entry) float64 { return float64(e.Status.Reject15m) }},
	{IndexAccept1h, "accept_1h", func(e Entry) float64 { return float64(e.Status.Accept1h) }},
	{IndexReject1h, "reject_1h", func(e Entry) float64 { return float64(e.Status.Reject1h) }},
	{IndexAcceptCount, "accept_count", func(e Entry) float64 { return float64(e.Status.AcceptCount) }},
	{IndexLastShareIP, "last_share_ip", func(e Entry) float64 { return float64(e.Status.LastShareIP) }},
	{IndexLastShareTime, "last_share_time", func(e Entry) float64 { return float64(e.Status.LastShareTime) }},
}

// indexBuffer accumulates ZADD members per (user, metric) so each gets
// emitted as a single ZADD command rather than one per worker, matching
// "Updates are emitted as a single ZADD ... per (user, metric)".
type indexBuffer struct {
	members map[string][]*redis.Z // keyed by IndexKey
}

func newIndexBuffer() *indexBuffer {
	return &indexBuffer{members: make(map[string][]*redis.Z)}
}

func (b *indexBuffer) add(key string, score float64, member string) {
	b.members[key] = append(b.members[key], &redis.Z{Score: score, Member: member})
}

// FlushPartition pipelines the HMSET/EXPIRE/PUBLISH sequence for every
// entry in this partition, buffers sorted-set index updates, then
// drains both pipelines. Command-level errors are logged, not returned,
// matching "mismatches are logged but not fatal"; only pipeline-level
// transport failures are returned.
func (s *Store) FlushPartition(ctx context.Context, entries []Entry, now int64) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	idx := newIndexBuffer()

	for _, e := range entries {
		key := s.entryKey(e)
		fields := s.entryFields(e, now)
		pipe.HSet(ctx, key, fields)

		if s.keyExpire > 0 {
			pipe.Expire(ctx, key, s.keyExpire)
		}

		if s.shouldPublish(e) {
			pipe.Publish(ctx, key, s.publishPayload(e))
		}

		if s.indexPolicy != 0 {
			s.bufferIndexUpdates(idx, e)
		}
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return fmt.Errorf("kvstore: flush partition: %w", err)
	}
	logCommandMismatches(cmds)

	return s.drainIndexBuffer(ctx, idx)
}

func (s *Store) entryKey(e Entry) string {
	if e.isUserAggregate() {
		return s.UserKey(e.UserID)
	}
	return s.WorkerKey(e.UserID, e.WorkerID)
}

func (s *Store) entryFields(e Entry, now int64) map[string]interface{} {
	fields := map[string]interface{}{
		"accept_1m":       e.Status.Accept1m,
		"accept_5m":       e.Status.Accept5m,
		"accept_15m":      e.Status.Accept15m,
		"reject_15m":      e.Status.Reject15m,
		"accept_1h":       e.Status.Accept1h,
		"reject_1h":       e.Status.Reject1h,
		"accept_count":    e.Status.AcceptCount,
		"last_share_ip":   e.Status.LastShareIP,
		"last_share_time": e.Status.LastShareTime,
		"updated_at":      now,
	}
	if e.isUserAggregate() {
		fields["worker_count"] = e.WorkerCount
	}
	return fields
}

func (s *Store) shouldPublish(e Entry) bool {
	if e.isUserAggregate() {
		return s.publishPolicy&PublishUserUpdate != 0
	}
	return s.publishPolicy&PublishWorkerUpdate != 0
}

func (s *Store) publishPayload(e Entry) string {
	if e.isUserAggregate() {
		return fmt.Sprintf("%d", e.WorkerCount)
	}
	return "1"
}

func (s *Store) bufferIndexUpdates(idx *indexBuffer, e Entry) {
	member := fmt.Sprintf("%d", e.WorkerID)
	for _, m := range indexMetrics {
		if s.indexPolicy&m.bit == 0 {
			continue
		}
		idx.add(s.IndexKey(e.UserID, m.name), m.score(e), member)
	}
}

func (s *Store) drainIndexBuffer(ctx context.Context, idx *indexBuffer) error {
	if len(idx.members) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for key, members := range idx.members {
		pipe.ZAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("kvstore: drain index buffer: %w", err)
	}
	return nil
}

// WorkerUpdate carries the common-events worker_update fields to
// UpsertWorkerUpdate.
type WorkerUpdate struct {
	UserID     int32
	WorkerID   int64
	WorkerName string
	MinerAgent string
}

// UpsertWorkerUpdate applies the key/value side of a common-events
// worker_update: HMSET name/agent/updated_at, EXPIRE, and (if the name
// or agent index bits are set) index both into sorted sets scored by
// AlphaNumRank.
func (s *Store) UpsertWorkerUpdate(ctx context.Context, u WorkerUpdate, now int64) error {
	key := s.WorkerKey(u.UserID, u.WorkerID)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"worker_name": u.WorkerName,
		"miner_agent": u.MinerAgent,
		"updated_at":  now,
	})
	if s.keyExpire > 0 {
		pipe.Expire(ctx, key, s.keyExpire)
	}
	if s.publishPolicy&PublishWorkerUpdate != 0 {
		pipe.Publish(ctx, key, "0")
	}

	member := fmt.Sprintf("%d", u.WorkerID)
	if s.indexPolicy&IndexWorkerName != 0 {
		pipe.ZAdd(ctx, s.IndexKey(u.UserID, "worker_name"), &redis.Z{
			Score: float64(util.AlphaNumRank(u.WorkerName)), Member: member,
		})
	}
	if s.indexPolicy&IndexMinerAgent != 0 {
		pipe.ZAdd(ctx, s.IndexKey(u.UserID, "miner_agent"), &redis.Z{
			Score: float64(util.AlphaNumRank(u.MinerAgent)), Member: member,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("kvstore: upsert worker update: %w", err)
	}
	return nil
}

// logCommandMismatches scans a completed pipeline's commands for
// per-command errors and logs them without failing the flush, matching
// "responses are validated per command class ... mismatches are logged
// but not fatal".
func logCommandMismatches(cmds []redis.Cmder) {
	for _, cmd := range cmds {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			util.Warnf("kvstore: command %s failed: %v", cmd.Name(), err)
		}
	}
}

// Partition splits n items across c workers deterministically by index
// range: worker t owns [t*size, (t+1)*size) where size = ceil(n/c). The
// last partition is clamped to n so a non-multiple tail is covered by
// widening ranges rather than adding a remainder worker.
func Partition(n, c int) [][2]int {
	if c <= 0 {
		c = 1
	}
	size := (n + c - 1) / c
	if size == 0 {
		return nil
	}

	var ranges [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}
