package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	base := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	os.Exit(call(http.MethodGet, baseURL(*base)+"/admin/v1/state", 5*time.Second))
}

func sessionsCmd(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	base := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	os.Exit(call(http.MethodGet, baseURL(*base)+"/admin/v1/sessions", 5*time.Second))
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	base := fs.String("url", "http://127.0.0.1:8080", "server base url")
	session := fs.String("session", "", "session id (required)")
	limit := fs.Int("limit", 100, "result limit")
	_ = fs.Parse(args)
	if strings.TrimSpace(*session) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}
	u := fmt.Sprintf("%s/admin/v1/sessions/%s/events?limit=%d", baseURL(*base), url.PathEscape(*session), *limit)
	os.Exit(call(http.MethodGet, u, 5*time.Second))
}

func unloadCmd(args []string) {
	fs := flag.NewFlagSet("unload", flag.ExitOnError)
	base := fs.String("url", "http://127.0.0.1:8080", "server base url")
	zone := fs.String("zone", "", "zone id (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*zone) == "" {
		fmt.Fprintln(os.Stderr, "missing -zone")
		os.Exit(2)
	}
	u := baseURL(*base) + "/admin/v1/zones/" + url.PathEscape(*zone) + "/unload"
	os.Exit(call(http.MethodPost, u, 10*time.Second))
}

// call prints the response body and returns the process exit code.
func call(method, u string, timeout time.Duration) int {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 2
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	base := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	os.Exit(call(http.MethodPost, baseURL(*base)+"/admin/v1/snapshot", 10*time.Second))
}
