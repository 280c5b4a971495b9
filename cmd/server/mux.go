package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/metrics"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/zonesim"
	"portalview.ai/internal/transport/observer"
	"portalview.ai/internal/transport/ws"
)

type muxOptions struct {
	Admin bool
	Pprof bool
	// Feed serves the loopback observer stream when admin is enabled.
	Feed *observer.Server
}

func buildMux(mgr *multiworld.Manager, srv *ws.Server, reg *prometheus.Registry, p *persistenceRuntime, log logrus.FieldLogger, opts muxOptions) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/v1/ws", srv.Handler())

	if opts.Admin {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			cfg := mgr.Config()
			writeJSON(rw, http.StatusOK, map[string]any{
				"tick":        mgr.CurrentTick(),
				"sessions":    mgr.SessionCount(),
				"connections": srv.Active(),
				"accepted":    srv.Accepted(),
				"zones":       cfg.Manifest(),
				"persistence": p.state(),
			})
		})
		mux.HandleFunc("/admin/v1/sessions", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			out, err := mgr.Sessions(ctx)
			if err != nil {
				writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": mgr.CurrentTick(), "sessions": out})
		})
		mux.HandleFunc("/admin/v1/sessions/", func(rw http.ResponseWriter, r *http.Request) {
			// Pattern: /admin/v1/sessions/{id}/events
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			path := strings.TrimPrefix(r.URL.Path, "/admin/v1/sessions/")
			parts := strings.Split(strings.Trim(path, "/"), "/")
			if len(parts) != 2 || parts[1] != "events" {
				http.NotFound(rw, r)
				return
			}
			if p == nil || p.index == nil {
				http.Error(rw, "index disabled", http.StatusNotFound)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			row, ok, err := p.index.Session(r.Context(), parts[0])
			if err != nil {
				writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			if !ok {
				http.Error(rw, "session not found", http.StatusNotFound)
				return
			}
			evs, err := p.index.SessionEvents(r.Context(), parts[0], limit)
			if err != nil {
				writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "session": row, "events": evs})
		})
		if opts.Feed != nil {
			mux.HandleFunc("/admin/v1/observer/bootstrap", opts.Feed.BootstrapHandler())
			mux.HandleFunc("/admin/v1/observer/ws", opts.Feed.WSHandler())
		}
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			if p == nil {
				http.Error(rw, "persistence disabled", http.StatusNotFound)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			path, hdr, err := p.writeSnapshot(ctx, mgr)
			if err != nil {
				writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			log.WithFields(logrus.Fields{"path": path, "tick": hdr.Tick, "sessions": hdr.Sessions}).Info("admin wrote snapshot")
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path, "header": hdr})
		})
		mux.HandleFunc("/admin/v1/zones/", func(rw http.ResponseWriter, r *http.Request) {
			// Pattern: /admin/v1/zones/{id}/unload
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			path := strings.TrimPrefix(r.URL.Path, "/admin/v1/zones/")
			parts := strings.Split(strings.Trim(path, "/"), "/")
			if len(parts) != 2 || parts[1] != "unload" {
				http.NotFound(rw, r)
				return
			}
			zoneID := parts[0]
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			err := mgr.UnloadZone(ctx, zoneID)
			switch {
			case err == nil:
				log.WithField("zone", zoneID).Info("admin unloaded zone")
				writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "zone": zoneID, "tick": mgr.CurrentTick()})
			case errors.Is(err, zonesim.ErrUnknownZone):
				writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "zone": zoneID, "error": err.Error()})
			case errors.Is(err, zonesim.ErrZoneBusy):
				writeJSON(rw, http.StatusConflict, map[string]any{"ok": false, "zone": zoneID, "error": err.Error()})
			default:
				writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "zone": zoneID, "error": err.Error()})
			}
		})
	} else {
		log.Info("admin endpoints disabled (PV_ENABLE_ADMIN_HTTP=false)")
	}

	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
