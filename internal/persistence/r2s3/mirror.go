package r2s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
)

// Uploader stores one local file under an object key.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
	EnqueuedTotal       uint64 `json:"enqueued_total"`
	SkippedTotal        uint64 `json:"skipped_total"`
	DuplicateTotal      uint64 `json:"duplicate_total"`
	QueueSaturatedTotal uint64 `json:"queue_saturated_total"`
	DroppedTotal        uint64 `json:"dropped_total"`
	UploadSuccessTotal  uint64 `json:"upload_success_total"`
	UploadFailTotal     uint64 `json:"upload_fail_total"`
	TraceUploads        uint64 `json:"trace_uploads"`
	IndexUploads        uint64 `json:"index_uploads"`
	SnapshotUploads     uint64 `json:"snapshot_uploads"`
	LastSuccessUnix     int64  `json:"last_success_unix"`
	LastErrorUnix       int64  `json:"last_error_unix"`
}

type upload struct {
	local string
	key   string
	// kind is the top-level directory under the data dir: trace, index or snapshots.
	kind string
}

// Mirror copies closed trace segments, the index file and session snapshots
// from the data dir to a bucket on a small worker pool. Object keys are the
// paths relative to the data dir, under prefix. A file already waiting in
// the queue is not queued twice.
type Mirror struct {
	client  Uploader
	dataDir string
	prefix  string
	log     logrus.FieldLogger
	backoff func(attempt int) time.Duration

	jobs        chan upload
	enqueueWait time.Duration
	wg          sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]struct{}

	enqueued    atomic.Uint64
	skipped     atomic.Uint64
	duplicate   atomic.Uint64
	saturated   atomic.Uint64
	dropped     atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	traces      atomic.Uint64
	indexes     atomic.Uint64
	snapshots   atomic.Uint64
	lastOKUnix  atomic.Int64
	lastErrUnix atomic.Int64
}

func NewMirror(client Uploader, dataDir, prefix string, workers, queueCapacity int, enqueueWait time.Duration, log logrus.FieldLogger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 2048
	}
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	m := &Mirror{
		client:      client,
		dataDir:     dataDir,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		log:         logging.OrDiscard(log),
		backoff:     func(attempt int) time.Duration { return time.Duration(attempt*attempt) * 200 * time.Millisecond },
		jobs:        make(chan upload, queueCapacity),
		enqueueWait: enqueueWait,
		pending:     map[string]struct{}{},
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for job := range m.jobs {
		m.pendingMu.Lock()
		delete(m.pending, job.local)
		m.pendingMu.Unlock()
		m.run(job)
	}
}

// Enqueue schedules localPath for upload. Paths that do not exist or lie
// outside the data dir are skipped. It waits at most enqueueWait for room.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueued.Add(1)

	job, err := m.resolve(localPath)
	if err != nil {
		m.skipped.Add(1)
		m.log.WithError(err).WithField("local", localPath).Warn("mirror skip")
		return
	}

	m.pendingMu.Lock()
	if _, ok := m.pending[job.local]; ok {
		m.pendingMu.Unlock()
		m.duplicate.Add(1)
		return
	}
	m.pending[job.local] = struct{}{}
	m.pendingMu.Unlock()

	if !m.offer(job) {
		m.pendingMu.Lock()
		delete(m.pending, job.local)
		m.pendingMu.Unlock()
		dropped := m.dropped.Add(1)
		m.log.WithFields(logrus.Fields{
			"local":         localPath,
			"wait_ms":       m.enqueueWait.Milliseconds(),
			"dropped_total": dropped,
		}).Warn("mirror drop: queue saturated")
	}
}

func (m *Mirror) offer(job upload) bool {
	select {
	case m.jobs <- job:
		return true
	default:
	}

	m.saturated.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting work and waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueued.Load(),
		SkippedTotal:        m.skipped.Load(),
		DuplicateTotal:      m.duplicate.Load(),
		QueueSaturatedTotal: m.saturated.Load(),
		DroppedTotal:        m.dropped.Load(),
		UploadSuccessTotal:  m.succeeded.Load(),
		UploadFailTotal:     m.failed.Load(),
		TraceUploads:        m.traces.Load(),
		IndexUploads:        m.indexes.Load(),
		SnapshotUploads:     m.snapshots.Load(),
		LastSuccessUnix:     m.lastOKUnix.Load(),
		LastErrorUnix:       m.lastErrUnix.Load(),
	}
}

func (m *Mirror) run(job upload) {
	log := m.log.WithFields(logrus.Fields{"key": job.key, "local": job.local, "kind": job.kind})
	attempts, err := m.putWithRetry(job)
	if err != nil {
		m.failed.Add(1)
		m.lastErrUnix.Store(time.Now().UTC().Unix())
		log.WithError(err).WithField("attempts", attempts).Error("mirror upload failed")
		return
	}
	m.succeeded.Add(1)
	m.lastOKUnix.Store(time.Now().UTC().Unix())
	switch job.kind {
	case "trace":
		m.traces.Add(1)
	case "index":
		m.indexes.Add(1)
	case "snapshots":
		m.snapshots.Add(1)
	}
	log.WithField("attempts", attempts).Debug("mirror uploaded")
}

func (m *Mirror) putWithRetry(job upload) (int, error) {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.client.PutFile(ctx, job.key, job.local)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(m.backoff(attempt))
		}
	}
	return maxAttempts, lastErr
}

func (m *Mirror) resolve(localPath string) (upload, error) {
	if localPath == "" {
		return upload{}, fmt.Errorf("empty local path")
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return upload{}, err
	}
	if fi.IsDir() {
		return upload{}, fmt.Errorf("%s is a directory", localPath)
	}

	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return upload{}, err
	}
	local, err := filepath.Abs(localPath)
	if err != nil {
		return upload{}, err
	}
	rel, err := filepath.Rel(base, local)
	if err != nil {
		return upload{}, err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return upload{}, fmt.Errorf("path %s is outside data dir %s", local, base)
	}

	kind := ""
	if i := strings.IndexByte(rel, '/'); i > 0 {
		kind = rel[:i]
	}
	key := rel
	if m.prefix != "" {
		key = path.Join(m.prefix, rel)
	}
	return upload{local: local, key: key, kind: kind}, nil
}
