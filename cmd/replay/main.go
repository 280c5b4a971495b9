package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	persistlog "portalview.ai/internal/persistence/log"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		traceDir  = flag.String("trace", "", "trace dir containing trace-*.jsonl.zst (default: <data>/trace)")
		sessionID = flag.String("session", "", "only this session")
		fromTick  = flag.Uint64("from_tick", 0, "first tick (inclusive, optional)")
		toTick    = flag.Uint64("to_tick", 0, "last tick (inclusive, optional)")
	)
	flag.Parse()

	dir := *traceDir
	if dir == "" {
		dir = filepath.Join(*dataDir, "trace")
	}
	files, err := persistlog.ListSegments(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list trace:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no trace files found in", dir)
		os.Exit(1)
	}

	s, err := summarize(files, filter{Session: *sessionID, FromTick: *fromTick, ToTick: *toTick})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ss := range s.sorted() {
		_ = enc.Encode(ss)
	}
	fmt.Printf("replay ok: files=%d records=%d sessions=%d zone_unloads=%v\n", len(files), s.Records, len(s.Sessions), s.Unloads)
}
