package sharelog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tos-network/pool-stats/internal/shares"
	"github.com/tos-network/pool-stats/internal/util"
)

const (
	secondsPerDay = 86400
	maxOpenHandles = 3
	flushCadence   = 2 * time.Second
)

// FilePath returns the day file a given timestamp belongs to:
// <dir>/sharelog-YYYY-MM-DD.bin, where the date is the bucket
// (timestamp - timestamp mod 86400) rendered in UTC.
func FilePath(dataDir string, timestamp int64) string {
	bucketTs := timestamp - (timestamp % secondsPerDay)
	day := time.Unix(bucketTs, 0).UTC().Format("2006-01-02")
	return filepath.Join(dataDir, fmt.Sprintf("sharelog-%s.bin", day))
}

type handle struct {
	f        *os.File
	bucketTs int64
}

// Writer consumes shares and buffers them, flushing to day-partitioned
// files every flushCadence. It keeps at most maxOpenHandles file
// descriptors open, closing the oldest day's handle first when that cap
// would be exceeded.
type Writer struct {
	dataDir string

	mu      sync.Mutex
	handles map[int64]*handle // bucketTs -> handle
	pending map[int64][][]byte // bucketTs -> encoded records awaiting flush

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWriter constructs a Writer rooted at dataDir. The directory must
// already exist.
func NewWriter(dataDir string) *Writer {
	return &Writer{
		dataDir: dataDir,
		handles: make(map[int64]*handle),
		pending: make(map[int64][][]byte),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Submit buffers one share for the next flush. It never blocks on I/O.
func (w *Writer) Submit(s *shares.Share) error {
	buf := make([]byte, RecordSize)
	if err := encodeInto(buf, s); err != nil {
		return err
	}

	bucketTs := int64(s.Timestamp) - (int64(s.Timestamp) % secondsPerDay)

	w.mu.Lock()
	w.pending[bucketTs] = append(w.pending[bucketTs], buf)
	w.mu.Unlock()
	return nil
}

func encodeInto(buf []byte, s *shares.Share) error {
	w := sliceWriter{buf: buf}
	return EncodeShare(&w, s)
}

// sliceWriter adapts a pre-sized byte slice to io.Writer for one record.
type sliceWriter struct {
	buf []byte
	n   int
}

func (s *sliceWriter) Write(p []byte) (int, error) {
	n := copy(s.buf[s.n:], p)
	s.n += n
	return n, nil
}

// Run drives the flush loop until Stop is called. It is meant to be
// launched as its own goroutine (the "sharelog-writer consumer" thread
// in the concurrency model).
func (w *Writer) Run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(flushCadence)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.flush()
			w.closeAll()
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// Stop requests shutdown and blocks until the final flush completes.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// flush writes every buffered record to its day file and fflushes every
// handle actually touched this round; handles not written to this round
// stay open and idle.
func (w *Writer) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[int64][][]byte)
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	touched := make([]int64, 0, len(pending))
	for bucketTs, records := range pending {
		h, err := w.getHandler(bucketTs)
		if err != nil {
			util.Fatalf("sharelog writer: failed to open handle for bucket %d: %v", bucketTs, err)
		}
		for _, rec := range records {
			if _, err := h.f.Write(rec); err != nil {
				util.Errorf("sharelog writer: write failed for bucket %d: %v", bucketTs, err)
				break
			}
		}
		touched = append(touched, bucketTs)
	}

	w.mu.Lock()
	for _, bucketTs := range touched {
		if h, ok := w.handles[bucketTs]; ok {
			if err := h.f.Sync(); err != nil {
				util.Warnf("sharelog writer: fsync failed for bucket %d: %v", bucketTs, err)
			}
		}
	}
	w.evictIfNeeded()
	w.mu.Unlock()
}

// getHandler returns the cached handle for bucketTs, opening it in
// append-binary mode on demand. Open failures are fatal per the writer's
// error-handling policy: the caller (flush) logs the error and exits the
// process, since the writer cannot proceed without the day file.
func (w *Writer) getHandler(bucketTs int64) (*handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h, ok := w.handles[bucketTs]; ok {
		return h, nil
	}

	path := FilePath(w.dataDir, bucketTs)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	h := &handle{f: f, bucketTs: bucketTs}
	w.handles[bucketTs] = h
	w.evictIfNeeded()
	return h, nil
}

// evictIfNeeded closes the handles for the oldest day(s) until at most
// maxOpenHandles remain, by bucketTs ascending rather than by
// lastUsed — a late share can touch an old day's handle and make it
// look recently used, but spec §7 still requires the oldest-ts handle
// to go first. Must be called with w.mu held.
func (w *Writer) evictIfNeeded() {
	for len(w.handles) > maxOpenHandles {
		var oldestTs int64
		first := true
		for ts := range w.handles {
			if first || ts < oldestTs {
				oldestTs = ts
				first = false
			}
		}
		if h, ok := w.handles[oldestTs]; ok {
			h.f.Close()
			delete(w.handles, oldestTs)
		}
	}
}

func (w *Writer) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	bucketTss := make([]int64, 0, len(w.handles))
	for ts := range w.handles {
		bucketTss = append(bucketTss, ts)
	}
	sort.Slice(bucketTss, func(i, j int) bool { return bucketTss[i] < bucketTss[j] })
	for _, ts := range bucketTss {
		w.handles[ts].f.Close()
		delete(w.handles, ts)
	}
}

// OpenHandleCount reports how many file handles are currently cached;
// exposed for tests.
func (w *Writer) OpenHandleCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handles)
}
