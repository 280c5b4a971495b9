package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/persistence/indexdb"
	persistlog "portalview.ai/internal/persistence/log"
	"portalview.ai/internal/persistence/r2s3"
	"portalview.ai/internal/persistence/snapshot"
	"portalview.ai/internal/sim/multiworld"
)

// persistenceRuntime owns the optional trace log, SQLite index and bucket
// mirror. Any of them may be nil.
type persistenceRuntime struct {
	dataDir   string
	trace     *persistlog.TraceLogger
	index     *indexdb.SQLiteIndex
	indexPath string
	mirror    *r2s3.Mirror
	log       logrus.FieldLogger
}

func openPersistence(ctx context.Context, cfg multiworld.PersistConfig, disableDB bool, getenv func(string) string, log logrus.FieldLogger) (*persistenceRuntime, error) {
	p := &persistenceRuntime{dataDir: cfg.DataDir, log: log}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	if cfg.Mirror.Enabled {
		client, err := r2s3.New(ctx, r2s3.Config{
			Bucket:          cfg.Mirror.Bucket,
			Region:          cfg.Mirror.Region,
			Endpoint:        cfg.Mirror.Endpoint,
			PathStyle:       cfg.Mirror.PathStyle,
			AccessKeyID:     strings.TrimSpace(getenv("PV_MIRROR_ACCESS_KEY_ID")),
			SecretAccessKey: strings.TrimSpace(getenv("PV_MIRROR_SECRET_ACCESS_KEY")),
		})
		if err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		p.mirror = r2s3.NewMirror(client, cfg.DataDir, cfg.Mirror.Prefix, cfg.Mirror.Workers, 2048, 25*time.Millisecond, log.WithField("component", "mirror"))
	}

	if cfg.Trace {
		p.trace = persistlog.NewTraceLogger(cfg.DataDir, log.WithField("component", "trace"))
		p.trace.OnSegmentClosed(p.mirror.Enqueue)
	}

	if cfg.Index && !disableDB {
		p.indexPath = filepath.Join(cfg.DataDir, "index", "portalview.sqlite")
		idx, err := indexdb.OpenSQLite(p.indexPath)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("index: %w", err)
		}
		p.index = idx
	}
	return p, nil
}

func (p *persistenceRuntime) observers() []multiworld.Observer {
	var out []multiworld.Observer
	if p.trace != nil {
		out = append(out, p.trace)
	}
	if p.index != nil {
		out = append(out, p.index)
	}
	return out
}

// writeSnapshot dumps the manager's sessions under <data>/snapshots and
// hands the file to the mirror.
func (p *persistenceRuntime) writeSnapshot(ctx context.Context, mgr *multiworld.Manager) (string, snapshot.Header, error) {
	sessions, err := mgr.Sessions(ctx)
	if err != nil {
		return "", snapshot.Header{}, err
	}
	cfg := mgr.Config()
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:     snapshot.Version,
			Tick:        mgr.CurrentTick(),
			CreatedAtMS: time.Now().UnixMilli(),
			DefaultZone: cfg.DefaultZoneID,
		},
		Zones:    cfg.Manifest(),
		Sessions: sessions,
	}
	path := snapshot.Path(filepath.Join(p.dataDir, "snapshots"), snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", snapshot.Header{}, err
	}
	snap.Header.Sessions = len(sessions)
	p.mirror.Enqueue(path)
	return path, snap.Header, nil
}

// Close flushes the trace, closes the index and uploads its final state
// before draining the mirror.
func (p *persistenceRuntime) Close() {
	if p.trace != nil {
		if err := p.trace.Close(); err != nil {
			p.log.WithError(err).Warn("close trace")
		}
	}
	if p.index != nil {
		if err := p.index.Close(); err != nil {
			p.log.WithError(err).Warn("close index")
		}
		if _, err := os.Stat(p.indexPath); err == nil {
			p.mirror.Enqueue(p.indexPath)
		}
	}
	p.mirror.Close()
}

type persistenceState struct {
	TraceFailed uint64         `json:"trace_failed"`
	Index       *indexdb.Stats `json:"index,omitempty"`
	Mirror      *r2s3.Stats    `json:"mirror,omitempty"`
}

func (p *persistenceRuntime) state() persistenceState {
	var st persistenceState
	if p == nil {
		return st
	}
	if p.trace != nil {
		st.TraceFailed = p.trace.Failed()
	}
	if p.index != nil {
		s := p.index.Stats()
		st.Index = &s
	}
	if p.mirror != nil {
		s := p.mirror.Stats()
		st.Mirror = &s
	}
	return st
}

// register exposes queue health of the index and mirror as gauges.
func (p *persistenceRuntime) register(reg prometheus.Registerer) {
	gauge := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
	}
	counter := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn))
	}
	if p.trace != nil {
		counter("portalview_trace_write_failures_total", "Trace records that could not be written.", func() float64 {
			return float64(p.trace.Failed())
		})
	}
	if p.index != nil {
		gauge("portalview_index_queue_depth", "Pending index writes.", func() float64 {
			return float64(p.index.Stats().QueueDepth)
		})
		counter("portalview_index_dropped_total", "Index writes dropped because the queue was full.", func() float64 {
			st := p.index.Stats()
			return float64(st.DropTickTotal + st.DropEventTotal)
		})
	}
	if p.mirror != nil {
		gauge("portalview_mirror_queue_depth", "Pending mirror uploads.", func() float64 {
			return float64(p.mirror.Stats().QueueDepth)
		})
		counter("portalview_mirror_upload_success_total", "Successful mirror uploads.", func() float64 {
			return float64(p.mirror.Stats().UploadSuccessTotal)
		})
		counter("portalview_mirror_upload_fail_total", "Mirror uploads that failed after retries.", func() float64 {
			return float64(p.mirror.Stats().UploadFailTotal)
		})
		counter("portalview_mirror_dropped_total", "Mirror jobs dropped because the queue stayed saturated.", func() float64 {
			return float64(p.mirror.Stats().DroppedTotal)
		})
	}
}
