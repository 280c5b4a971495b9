package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries the session index directly: sessions, events, ticks, zones
// or meta.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/portalview.sqlite)")
	session := fs.String("session", "", "session_id filter (events, ticks)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = indexPath(*dataDir)
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()
	if *limit <= 0 {
		*limit = 20
	}

	if err := runQuery(db, q, *session, *limit, printJSON); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

func runQuery(db *sql.DB, q, session string, limit int, emit func(any)) error {
	switch q {
	case "sessions":
		rows, err := db.Query(`SELECT session_id,agent_id,name,zone_id,joined_tick,left_tick,leave_reason FROM sessions ORDER BY joined_tick DESC, session_id LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r struct {
					SessionID   string `json:"session_id"`
					AgentID     string `json:"agent_id"`
					Name        string `json:"name"`
					ZoneID      string `json:"zone_id"`
					JoinedTick  int64  `json:"joined_tick"`
					LeftTick    *int64 `json:"left_tick,omitempty"`
					LeaveReason string `json:"leave_reason,omitempty"`
				}
				left   sql.NullInt64
				reason sql.NullString
			)
			if err := rows.Scan(&r.SessionID, &r.AgentID, &r.Name, &r.ZoneID, &r.JoinedTick, &left, &reason); err != nil {
				return err
			}
			if left.Valid {
				r.LeftTick = &left.Int64
			}
			r.LeaveReason = reason.String
			emit(r)
		}
		return rows.Err()

	case "events":
		rows, err := db.Query(`SELECT seq,session_id,agent_id,kind,zone_id,detail,tick,at FROM session_events WHERE (?='' OR session_id=?) ORDER BY seq DESC LIMIT ?`, session, session, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r struct {
					Seq       int64  `json:"seq"`
					SessionID string `json:"session_id,omitempty"`
					AgentID   string `json:"agent_id,omitempty"`
					Kind      string `json:"kind"`
					ZoneID    string `json:"zone_id"`
					Detail    string `json:"detail,omitempty"`
					Tick      int64  `json:"tick"`
					At        string `json:"at"`
				}
				detail sql.NullString
			)
			if err := rows.Scan(&r.Seq, &r.SessionID, &r.AgentID, &r.Kind, &r.ZoneID, &detail, &r.Tick, &r.At); err != nil {
				return err
			}
			r.Detail = detail.String
			emit(r)
		}
		return rows.Err()

	case "ticks":
		rows, err := db.Query(`SELECT session_id,tick,primary_zone,views,active_views,opens,closes,relays,dropped FROM ticks WHERE (?='' OR session_id=?) ORDER BY tick DESC, session_id LIMIT ?`, session, session, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				SessionID   string `json:"session_id"`
				Tick        int64  `json:"tick"`
				PrimaryZone string `json:"primary_zone"`
				Views       int    `json:"views"`
				ActiveViews int    `json:"active_views"`
				Opens       int64  `json:"opens"`
				Closes      int64  `json:"closes"`
				Relays      int64  `json:"relays"`
				Dropped     int64  `json:"dropped"`
			}
			if err := rows.Scan(&r.SessionID, &r.Tick, &r.PrimaryZone, &r.Views, &r.ActiveViews, &r.Opens, &r.Closes, &r.Relays, &r.Dropped); err != nil {
				return err
			}
			emit(r)
		}
		return rows.Err()

	case "zones", "meta":
		query := `SELECT zone_id,kind || '/' || addressing FROM zones ORDER BY zone_id`
		if q == "meta" {
			query = `SELECT key,value FROM meta WHERE key <> 'config_json' ORDER BY key`
		}
		rows, err := db.Query(query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			emit(map[string]string{k: v})
		}
		return rows.Err()
	}
	return fmt.Errorf("unknown query %q (sessions, events, ticks, zones, meta)", q)
}
