package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

// SQLiteIndex is a queryable secondary index of session lifecycle events and
// view-changing ticks. Writes are queued and applied by one goroutine in
// batched transactions; the trace log stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTickTotal  atomic.Uint64
	dropEventTotal atomic.Uint64
	writeErrTotal  atomic.Uint64
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropTickTotal  uint64
	DropEventTotal uint64
	WriteErrTotal  uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqEvent
)

type req struct {
	kind reqKind

	tick  session.TickStats
	event multiworld.SessionEvent
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS zones (
			zone_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			addressing TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			zone_id TEXT NOT NULL,
			joined_tick INTEGER NOT NULL,
			joined_at TEXT NOT NULL,
			left_tick INTEGER,
			left_at TEXT,
			leave_reason TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			zone_id TEXT NOT NULL,
			detail TEXT,
			tick INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_kind ON session_events(kind, tick);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			session_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			primary_zone TEXT NOT NULL,
			views INTEGER NOT NULL,
			active_views INTEGER NOT NULL,
			opens INTEGER NOT NULL,
			closes INTEGER NOT NULL,
			relays INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTickTotal.Load(),
		DropEventTotal: s.dropEventTotal.Load(),
		WriteErrTotal:  s.writeErrTotal.Load(),
	}
}

// ObserveTick indexes ticks that opened, closed, purged or recomputed views.
func (s *SQLiteIndex) ObserveTick(st session.TickStats) {
	if s == nil || s.closed.Load() {
		return
	}
	if !st.Recomputed && st.Opens == 0 && st.Closes == 0 && st.Purged == 0 && st.TornDown == 0 {
		return
	}
	select {
	case s.ch <- req{kind: reqTick, tick: st}:
	default:
		s.dropTickTotal.Add(1)
	}
}

func (s *SQLiteIndex) ObserveSession(ev multiworld.SessionEvent) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		s.dropEventTotal.Add(1)
	}
}

// UpsertConfig records the served zone manifest and a digest of the
// effective configuration.
func (s *SQLiteIndex) UpsertConfig(cfg multiworld.Config) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	meta := map[string]string{
		"schema_version": "1",
		"config_digest":  hex.EncodeToString(sum[:]),
		"config_json":    string(raw),
		"default_zone":   cfg.DefaultZoneID,
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return err
		}
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO zones(zone_id,kind,addressing,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, z := range cfg.Manifest() {
		if _, err := stmt.Exec(z.ZoneID, z.Kind, z.Addressing, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Meta returns a meta value, or "" when unset.
func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SessionRow is the indexed summary of one session.
type SessionRow struct {
	SessionID   string `json:"session_id"`
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	ZoneID      string `json:"zone_id"`
	JoinedTick  uint64 `json:"joined_tick"`
	LeftTick    uint64 `json:"left_tick,omitempty"`
	LeaveReason string `json:"leave_reason,omitempty"`
	Open        bool   `json:"open"`
}

func (s *SQLiteIndex) Session(ctx context.Context, id string) (SessionRow, bool, error) {
	var (
		r      SessionRow
		left   sql.NullInt64
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id,agent_id,name,zone_id,joined_tick,left_tick,leave_reason FROM sessions WHERE session_id=?`, id,
	).Scan(&r.SessionID, &r.AgentID, &r.Name, &r.ZoneID, &r.JoinedTick, &left, &reason)
	if err == sql.ErrNoRows {
		return SessionRow{}, false, nil
	}
	if err != nil {
		return SessionRow{}, false, err
	}
	r.Open = !left.Valid
	if left.Valid {
		r.LeftTick = uint64(left.Int64)
	}
	r.LeaveReason = reason.String
	return r, true, nil
}

// SessionEvents returns the indexed events of one session in arrival order.
func (s *SQLiteIndex) SessionEvents(ctx context.Context, id string, limit int) ([]multiworld.SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id,agent_id,kind,zone_id,detail,tick,at FROM session_events WHERE session_id=? ORDER BY seq LIMIT ?`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []multiworld.SessionEvent
	for rows.Next() {
		var (
			ev     multiworld.SessionEvent
			detail sql.NullString
			at     string
		)
		if err := rows.Scan(&ev.Session, &ev.Agent, &ev.Kind, &ev.Zone, &detail, &ev.Tick, &at); err != nil {
			return nil, err
		}
		ev.Detail = detail.String
		ev.Time, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TickCount returns how many ticks were indexed for a session.
func (s *SQLiteIndex) TickCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks WHERE session_id=?`, id).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(session_id,tick,primary_zone,views,active_views,opens,closes,relays,dropped,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT INTO session_events(session_id,agent_id,kind,zone_id,detail,tick,at) VALUES(?,?,?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session_id,agent_id,name,zone_id,joined_tick,joined_at) VALUES(?,?,?,?,?,?)`)
	moveSession, _ := s.db.Prepare(`UPDATE sessions SET zone_id=? WHERE session_id=?`)
	closeSession, _ := s.db.Prepare(`UPDATE sessions SET left_tick=?, left_at=?, leave_reason=? WHERE session_id=? AND left_tick IS NULL`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertEvent, insertSession, moveSession, closeSession} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrTotal.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrTotal.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrTotal.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(stmt *sql.Stmt, args ...any) bool {
		if stmt == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(stmt).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	// Commit once the queue drains so readers see recent rows promptly.
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick,
				t.Session,
				int64(t.Tick),
				string(t.PrimaryZone),
				t.Views,
				t.ActiveViews,
				int64(t.Opens),
				int64(t.Closes),
				int64(t.Relays),
				int64(t.Dropped),
				string(raw),
			)

		case reqEvent:
			ev := r.event
			at := ev.Time
			if at.IsZero() {
				at = time.Now()
			}
			stamp := at.UTC().Format(time.RFC3339Nano)
			if !exec(insertEvent, ev.Session, ev.Agent, ev.Kind, ev.Zone, ev.Detail, int64(ev.Tick), stamp) {
				continue
			}
			switch ev.Kind {
			case multiworld.EventJoin:
				exec(insertSession, ev.Session, ev.Agent, ev.Name, ev.Zone, int64(ev.Tick), stamp)
			case multiworld.EventTransfer, multiworld.EventRespawn:
				exec(moveSession, ev.Zone, ev.Session)
			case multiworld.EventLeave, multiworld.EventViolation:
				reason := ev.Detail
				if reason == "" {
					reason = ev.Kind
				}
				exec(closeSession, int64(ev.Tick), stamp, reason, ev.Session)
			}
		}
		flushIfNeeded()
	}

	commit()
}
