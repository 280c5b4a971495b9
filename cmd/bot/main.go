package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
	"portalview.ai/internal/protocol"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "agent name")
		zone      = flag.String("zone", "", "zone to join (default: server default)")
		step      = flag.Duration("step", 200*time.Millisecond, "bot step interval")
		moveEvery = flag.Int("move_every", 10, "send a MOVE every N steps (0 disables)")
		hopZone   = flag.String("hop_zone", "", "zone to switch into after -hop_after steps")
		hopAfter  = flag.Int("hop_after", 50, "steps before switching zones")
		logLevel  = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

	log := logging.New(*logLevel, "text").WithField("component", "bot")
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.WithError(err).Fatal("dial")
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       *name,
		ZoneID:          *zone,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 1024},
	}
	if err := conn.WriteJSON(hello); err != nil {
		log.WithError(err).Fatal("send HELLO")
	}

	msgs := make(chan []byte, 256)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.WithError(err).Debug("read")
				return
			}
			msgs <- msg
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	v := newViewState()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	// The server skips empty frames, so the bot paces itself on a ticker
	// rather than on frame arrivals.
	ticker := time.NewTicker(*step)
	defer ticker.Stop()
	hopped := false
	steps := 0
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				log.WithFields(stats(v)).Info("connection closed")
				return
			}
			before := v.Frames
			if err := v.apply(msg); err != nil {
				log.WithError(err).WithFields(stats(v)).Error("protocol violation")
				return
			}
			if before == 0 && v.Frames == 1 {
				log.WithFields(stats(v)).Info("first frame")
			}
		case <-ticker.C:
			if v.SessionID == "" {
				continue
			}
			steps++
			if *moveEvery > 0 && steps%*moveEvery == 0 {
				v.Pos[0] += float64(r.Intn(9) - 4)
				v.Pos[2] += float64(r.Intn(9) - 4)
				send(conn, log, protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, Pos: v.Pos})
			}
			if *hopZone != "" && !hopped && steps >= *hopAfter {
				hopped = true
				send(conn, log, protocol.SwitchZoneMsg{Type: protocol.TypeSwitchZone, ProtocolVersion: protocol.Version, ZoneID: *hopZone})
			}
			if steps%100 == 0 {
				log.WithFields(stats(v)).Info("view")
			}
		}
	}
}

func send(conn *websocket.Conn, log logrus.FieldLogger, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.WithError(err).Warn("write")
	}
}

func stats(v *viewState) logrus.Fields {
	f := logrus.Fields{
		"agent":     v.AgentID,
		"primary":   v.Primary,
		"frames":    v.Frames,
		"relays":    v.Relays,
		"transfers": v.Transfers,
		"cells":     v.Cells(v.Primary),
	}
	for zid := range v.OpenZones() {
		f["open_"+zid] = v.Cells(zid)
	}
	return f
}
