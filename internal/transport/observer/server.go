package observer

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
	"portalview.ai/internal/observerproto"
	"portalview.ai/internal/sim/multiworld"
)

// Source is the part of the session host the bootstrap reads.
type Source interface {
	Config() multiworld.Config
	CurrentTick() uint64
	SessionCount() int
}

type Server struct {
	src Source
	hub *Hub
	log logrus.FieldLogger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(src Source, hub *Hub, logger logrus.FieldLogger) *Server {
	return &Server{
		src: src,
		hub: hub,
		log: logging.OrDiscard(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.src.Config()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.src.CurrentTick(),
			TickRateHz:      cfg.TickRateHz,
			DefaultZone:     cfg.DefaultZoneID,
			Zones:           cfg.Manifest(),
			Sessions:        s.src.SessionCount(),
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		id := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := s.hub.subscribe(id, f, 1024)
		defer s.hub.unsubscribe(id)
		log := s.log.WithField("observer", id)
		log.WithFields(logrus.Fields{"session_filter": f.session, "ticks": f.ticks}).Info("observer subscribed")

		done := make(chan struct{})
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-done:
					writeErr <- nil
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if f, ok := parseSubscribe(msg); ok {
				s.hub.update(id, f)
			}
		}

		close(done)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case err := <-writeErr:
			if err != nil {
				log.WithError(err).Debug("observer write failed")
			}
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("observer left")
	}
}

func parseSubscribe(msg []byte) (filter, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return filter{}, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return filter{}, false
	}
	return filter{session: strings.TrimSpace(sub.Session), ticks: sub.Ticks}, true
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
