package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/zonesim"
)

// Host is the part of the session host the transport talks to.
type Host interface {
	RequestJoin(ctx context.Context, name, zoneID string, c multiworld.Client) (multiworld.JoinResponse, error)
	RequestSwitch(ctx context.Context, sessionID, zoneID string, pos *model.Vec3) error
	Move(sessionID string, pos model.Vec3)
	Respawn(sessionID string)
	Leave() chan<- string
}

type Options struct {
	// Strict validates every inbound message against its schema.
	Strict       bool
	DefaultQueue int
	MaxQueue     int
}

type Server struct {
	host      Host
	log       logrus.FieldLogger
	validator *protocol.Validator
	opts      Options

	active atomic.Int64
	total  atomic.Uint64

	upgrader websocket.Upgrader
}

func NewServer(h Host, v *protocol.Validator, opts Options, logger logrus.FieldLogger) *Server {
	if opts.DefaultQueue <= 0 {
		opts.DefaultQueue = 4096
	}
	if opts.MaxQueue < opts.DefaultQueue {
		opts.MaxQueue = 4 * opts.DefaultQueue
	}
	return &Server{
		host:      h,
		log:       logging.OrDiscard(logger).WithField("component", "ws"),
		validator: v,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Active is the number of connections currently admitted.
func (s *Server) Active() int64 { return s.active.Load() }

// Accepted is the number of connections admitted since start.
func (s *Server) Accepted() uint64 { return s.total.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		hello, ok := s.readHello(ws)
		if !ok {
			return
		}
		c := NewConn(s.queueSize(hello.Capabilities.MaxQueue))

		writerDone := make(chan struct{})
		go s.writeLoop(ws, c, writerDone)

		s.active.Add(1)
		defer s.active.Add(-1)
		resp, err := s.host.RequestJoin(r.Context(), hello.AgentName, hello.ZoneID, c)
		if err != nil {
			code := resp.Code
			if code == "" {
				code = protocol.ErrInternal
			}
			_ = c.Send(errorMsg(code, err.Error()))
			c.Close()
			<-writerDone
			return
		}
		s.total.Add(1)
		log := s.log.WithFields(logrus.Fields{"session": resp.SessionID, "agent": resp.Welcome.AgentID})
		log.Info("client connected")

		s.readLoop(r.Context(), ws, c, resp.SessionID, log)

		c.Close()
		<-writerDone
		s.host.Leave() <- resp.SessionID
		log.WithField("slow_consumer", c.SlowConsumer()).Info("client disconnected")
	}
}

func (s *Server) queueSize(requested int) int {
	switch {
	case requested <= 0:
		return s.opts.DefaultQueue
	case requested < 256:
		return 256
	case requested > s.opts.MaxQueue:
		return s.opts.MaxQueue
	default:
		return requested
	}
}

func (s *Server) readHello(ws *websocket.Conn) (protocol.HelloMsg, bool) {
	var hello protocol.HelloMsg
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return hello, false
	}
	typ, err := s.validate(msg)
	if err != nil || typ != protocol.TypeHello {
		_ = writeJSON(ws, errorMsg(protocol.ErrProtoBadRequest, "expected HELLO"))
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return hello, false
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(ws, errorMsg(protocol.ErrProtoVersion, "unsupported protocol_version "+hello.ProtocolVersion))
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return hello, false
	}
	if hello.AgentName == "" {
		hello.AgentName = "agent"
	}
	return hello, true
}

func (s *Server) writeLoop(ws *websocket.Conn, c *Conn, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case b := <-c.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close()
				_ = ws.Close()
				return
			}
		case <-c.Done():
			// Drain what was queued before the close, then say goodbye.
			for {
				select {
				case b := <-c.Outbound():
					_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
					if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
						_ = ws.Close()
						return
					}
					continue
				default:
				}
				break
			}
			reason := "bye"
			if c.SlowConsumer() {
				reason = "slow consumer"
			}
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
			_ = ws.Close()
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *Conn, sessionID string, log logrus.FieldLogger) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		typ, err := s.validate(msg)
		if err != nil {
			log.WithError(err).Debug("rejected message")
			_ = c.Send(errorMsg(protocol.ErrProtoBadRequest, err.Error()))
			continue
		}
		switch typ {
		case protocol.TypeMove:
			var m protocol.MoveMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			s.host.Move(sessionID, model.Vec3{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]})
		case protocol.TypeSwitchZone:
			var m protocol.SwitchZoneMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			var pos *model.Vec3
			if m.Pos != nil {
				pos = &model.Vec3{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]}
			}
			if err := s.host.RequestSwitch(ctx, sessionID, m.ZoneID, pos); err != nil {
				code := protocol.ErrInternal
				if errors.Is(err, zonesim.ErrUnknownZone) {
					code = protocol.ErrZoneNotFound
				}
				_ = c.Send(errorMsg(code, err.Error()))
			}
		case protocol.TypeRespawn:
			s.host.Respawn(sessionID)
		default:
			_ = c.Send(errorMsg(protocol.ErrProtoBadRequest, "unexpected message type "+typ))
		}
		if !c.Open() {
			return
		}
	}
}

// validate returns the message type. Without strict mode only the envelope
// is checked.
func (s *Server) validate(msg []byte) (string, error) {
	if s.opts.Strict && s.validator != nil {
		return s.validator.Validate(msg)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return "", err
	}
	if base.Type == "" {
		return "", errors.New("missing type")
	}
	return base.Type, nil
}

func errorMsg(code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	}
}

func writeJSON(ws *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}
