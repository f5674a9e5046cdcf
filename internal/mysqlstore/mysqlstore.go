// Package mysqlstore implements the relational store side of the
// pipeline: temp-table multi-insert + INSERT...SELECT...ON DUPLICATE KEY
// UPDATE merge upserts, used by both the live-stats server and the
// sharelog parser/aggregator.
package mysqlstore

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/tos-network/pool-stats/internal/util"
)

const minAllowedPacketMB = 16

// Store wraps a *sql.DB with the pipeline's merge-upsert helpers.
type Store struct {
	db  *sql.DB
	pid int
}

// Open connects to MySQL via dsn and checks max_allowed_packet at
// startup; a value below 16 MiB is a fatal config error per the error
// handling design (large multi-insert batches would otherwise be
// silently truncated by the server).
func Open(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: ping: %w", err)
	}

	var varName, varValue string
	row := db.QueryRow("SHOW VARIABLES LIKE 'max_allowed_packet'")
	if err := row.Scan(&varName, &varValue); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: reading max_allowed_packet: %w", err)
	}
	var bytes int64
	fmt.Sscanf(varValue, "%d", &bytes)
	if bytes/1024/1024 < minAllowedPacketMB {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: max_allowed_packet is %s bytes, must be >= %d MiB", varValue, minAllowedPacketMB)
	}

	return &Store{db: db, pid: os.Getpid()}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewForTest builds a Store around an already-open *sql.DB (typically a
// sqlmock connection) with a fixed pid, for use by other packages' tests
// that need to exercise a Store without a real MySQL connection.
func NewForTest(db *sql.DB, pid int) *Store {
	return &Store{db: db, pid: pid}
}

// WorkerStatusRow is one row of the live-stats relational flush: a
// worker or user status snapshot as of Now.
type WorkerStatusRow struct {
	WorkerID      int64
	UserID        int32
	Accept1m      uint64
	Accept5m      uint64
	Accept15m     uint64
	Reject15m     uint64
	Accept1h      uint64
	Reject1h      uint64
	AcceptCount   uint32
	LastShareIP   uint32
	LastShareTime uint32
	Now           int64
}

// FlushWorkerStatus performs the temp-table multi-insert + merge for the
// mining_workers table. The temp table is named mining_workers_tmp_<pid>
// so two concurrent processes never collide — the fix called for by the
// REDESIGN FLAG (the original does not PID-suffix this particular temp
// table; this implementation does).
func (s *Store) FlushWorkerStatus(rows []WorkerStatusRow) error {
	if len(rows) == 0 {
		return nil
	}

	tmpTable := fmt.Sprintf("mining_workers_tmp_%d", s.pid)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("mysqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(
		`CREATE TEMPORARY TABLE %s LIKE mining_workers`, tmpTable)); err != nil {
		return fmt.Errorf("mysqlstore: create temp table: %w", err)
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*11)
	sb.WriteString(fmt.Sprintf(
		`INSERT INTO %s (worker_id, puid, group_id, accept_1m, accept_5m, accept_15m, reject_15m, accept_1h, reject_1h, accept_count, last_share_ip, last_share_time, created_at, updated_at) VALUES `,
		tmpTable))
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?,?,?,?,?,?)")
		args = append(args, r.WorkerID, r.UserID, -int64(r.UserID),
			r.Accept1m, r.Accept5m, r.Accept15m, r.Reject15m, r.Accept1h, r.Reject1h,
			r.AcceptCount, r.LastShareIP, r.LastShareTime,
			time.Unix(r.Now, 0), time.Unix(r.Now, 0))
	}
	if _, err := tx.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("mysqlstore: multi-insert into temp table: %w", err)
	}

	mergeSQL := fmt.Sprintf(`
		INSERT INTO mining_workers
			(worker_id, puid, group_id, accept_1m, accept_5m, accept_15m, reject_15m, accept_1h, reject_1h, accept_count, last_share_ip, last_share_time, created_at, updated_at)
		SELECT worker_id, puid, group_id, accept_1m, accept_5m, accept_15m, reject_15m, accept_1h, reject_1h, accept_count, last_share_ip, last_share_time, created_at, updated_at
		FROM %s
		ON DUPLICATE KEY UPDATE
			accept_1m=VALUES(accept_1m), accept_5m=VALUES(accept_5m), accept_15m=VALUES(accept_15m),
			reject_15m=VALUES(reject_15m), accept_1h=VALUES(accept_1h), reject_1h=VALUES(reject_1h),
			accept_count=VALUES(accept_count), last_share_ip=VALUES(last_share_ip),
			last_share_time=VALUES(last_share_time), updated_at=VALUES(updated_at)`, tmpTable)

	if _, err := tx.Exec(mergeSQL); err != nil {
		return fmt.Errorf("mysqlstore: merge upsert: %w", err)
	}

	if _, err := tx.Exec(fmt.Sprintf("DROP TEMPORARY TABLE %s", tmpTable)); err != nil {
		util.Warnf("mysqlstore: failed to drop temp table %s: %v", tmpTable, err)
	}

	return tx.Commit()
}

// StatsKind selects which of the three per-entity stats table families a
// HourDayRow belongs to.
type StatsKind string

const (
	StatsWorkers StatsKind = "workers"
	StatsUsers   StatsKind = "users"
	StatsPool    StatsKind = "pool"
)

// HourDayRow is one generated row for a stats_{kind}_{hour,day} table.
type HourDayRow struct {
	WorkerID   int64 // only meaningful for StatsWorkers
	UserID     int32 // meaningful for StatsWorkers and StatsUsers
	HourOrDay  string
	Accept     uint64
	Reject     uint64
	RejectRate float64
	Score      float64
	Earn       float64
}

// FlushHourlyAndDaily performs the generic temp-table merge used for all
// six stats_{workers,users,pool}_{hour,day} tables, grounded on the
// original's flushHourOrDailyData helper.
func (s *Store) FlushHourlyAndDaily(kind StatsKind, period string, rows []HourDayRow) error {
	if len(rows) == 0 {
		return nil
	}

	table := fmt.Sprintf("stats_%s_%s", kind, period)
	tmpTable := fmt.Sprintf("%s_tmp_%d", table, s.pid)
	periodCol := period // "hour" or "day"

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("mysqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf("CREATE TEMPORARY TABLE %s LIKE %s", tmpTable, table)); err != nil {
		return fmt.Errorf("mysqlstore: create temp table %s: %w", tmpTable, err)
	}

	keyCols, valuePlaceholders := keyColumnsFor(kind)
	cols := periodCol
	rowPlaceholders := "?,?,?,?,?,?,?,?"
	if keyCols != "" {
		cols = keyCols + ", " + periodCol
		rowPlaceholders = valuePlaceholders + "," + rowPlaceholders
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*8)
	sb.WriteString(fmt.Sprintf(
		"INSERT INTO %s (%s, share_accept, share_reject, reject_rate, score, earn, created_at, updated_at) VALUES ",
		tmpTable, cols))
	now := time.Now()
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(" + rowPlaceholders + ")")
		switch kind {
		case StatsWorkers:
			args = append(args, r.WorkerID, r.UserID)
		case StatsUsers:
			args = append(args, r.UserID)
		case StatsPool:
			// no key columns beyond period
		}
		args = append(args, r.HourOrDay, r.Accept, r.Reject, r.RejectRate, r.Score, r.Earn, now, now)
	}
	if _, err := tx.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("mysqlstore: multi-insert into %s: %w", tmpTable, err)
	}

	allCols := fmt.Sprintf("%s, share_accept, share_reject, reject_rate, score, earn, created_at, updated_at", cols)
	mergeSQL := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT %s FROM %s
		ON DUPLICATE KEY UPDATE
			share_accept=VALUES(share_accept), share_reject=VALUES(share_reject),
			reject_rate=VALUES(reject_rate), score=VALUES(score), earn=VALUES(earn),
			updated_at=VALUES(updated_at)`, table, allCols, allCols, tmpTable)

	if _, err := tx.Exec(mergeSQL); err != nil {
		return fmt.Errorf("mysqlstore: merge upsert into %s: %w", table, err)
	}

	if _, err := tx.Exec(fmt.Sprintf("DROP TEMPORARY TABLE %s", tmpTable)); err != nil {
		util.Warnf("mysqlstore: failed to drop temp table %s: %v", tmpTable, err)
	}

	return tx.Commit()
}

func keyColumnsFor(kind StatsKind) (cols, placeholders string) {
	switch kind {
	case StatsWorkers:
		return "worker_id, puid", "?,?"
	case StatsUsers:
		return "puid", "?"
	case StatsPool:
		return "", ""
	default:
		panic("mysqlstore: unknown stats kind " + string(kind))
	}
}

// RemoveExpired deletes rows past their retention windows: 90 days from
// stats_workers_day, 3 days from stats_workers_hour, 30 days from
// stats_users_hour. Intended to be called at most hourly by the parser
// server.
func (s *Store) RemoveExpired(now time.Time) error {
	cutoffDay90 := now.AddDate(0, 0, -90).Format("20060102")
	cutoffHour3 := now.AddDate(0, 0, -3).Format("2006010215")
	cutoffHour30 := now.AddDate(0, 0, -30).Format("2006010215")

	queries := []struct {
		sql  string
		args []interface{}
	}{
		{"DELETE FROM stats_workers_day WHERE day < ?", []interface{}{cutoffDay90}},
		{"DELETE FROM stats_workers_hour WHERE hour < ?", []interface{}{cutoffHour3}},
		{"DELETE FROM stats_users_hour WHERE hour < ?", []interface{}{cutoffHour30}},
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q.sql, q.args...); err != nil {
			return fmt.Errorf("mysqlstore: remove expired (%s): %w", q.sql, err)
		}
	}
	return nil
}

// UpsertWorkerName handles the common-events worker_update relational
// side: UPDATE if the row exists; if group_id == 0 (soft-deleted),
// reassign to -userID (the "default" group); INSERT ... ON DUPLICATE KEY
// UPDATE if the row is absent, race-tolerant against the statistics
// writer creating the same row concurrently.
func (s *Store) UpsertWorkerName(workerID int64, userID int32, workerName, minerAgent string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE mining_workers
		SET worker_name = ?, miner_agent = ?, updated_at = ?,
		    group_id = IF(group_id = 0, ?, group_id)
		WHERE worker_id = ? AND puid = ?`,
		workerName, minerAgent, now, -int64(userID), workerID, userID)
	if err != nil {
		return fmt.Errorf("mysqlstore: update worker name: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysqlstore: rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.Exec(`
		INSERT INTO mining_workers (worker_id, puid, group_id, worker_name, miner_agent, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE worker_name=VALUES(worker_name), miner_agent=VALUES(miner_agent), updated_at=VALUES(updated_at)`,
		workerID, userID, workerName, minerAgent, now, now)
	if err != nil {
		return fmt.Errorf("mysqlstore: insert worker name: %w", err)
	}
	return nil
}
