package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "portalview.ai/internal/persistence/log"
	"portalview.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "sessions":
			sessionsCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "unload":
			unloadCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "snapshots":
			snapshotsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the trace segments and index files under the data dir.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	segs, err := persistlog.ListSegments(filepath.Join(*dataDir, "trace"))
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, s := range segs {
		fmt.Println(s)
	}
	idx := indexPath(*dataDir)
	if _, err := os.Stat(idx); err == nil {
		fmt.Println(idx)
	}
}

// snapshotsCmd prints the header of every local session snapshot.
func snapshotsCmd(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := snapshot.List(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			continue
		}
		printJSON(map[string]any{"path": p, "header": h})
	}
}

func indexPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "portalview.sqlite")
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}

func baseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
