package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// GET /runs/{id}/stages/{stage}/log/follow -> websocket stream of the stage
// log. Each message is a chunk of output; the server closes normally once
// the stage is done.
func (s *Server) handleFollowLog(w http.ResponseWriter, r *http.Request) {
	id, stage := chi.URLParam(r, "id"), chi.URLParam(r, "stage")
	if _, err := s.store.ReadLog(id, stage, 0); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("websocket upgrade")
		return
	}
	defer conn.Close()
	log := logrus.WithFields(logrus.Fields{"run": id, "stage": stage})

	// the client only ever sends close frames
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var offset int64
	for {
		changed, err := s.store.Watch(id)
		if err != nil {
			return
		}
		// the snapshot is taken before reading so a finished stage has all
		// of its output in the read below
		snap, err := s.store.Snapshot(id)
		if err != nil {
			return
		}
		chunk, err := s.store.ReadLog(id, stage, offset)
		if err != nil {
			log.WithError(err).Warn("read stage log")
			return
		}
		if len(chunk) > 0 {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
				return
			}
			offset += int64(len(chunk))
		}
		if runDone(snap, stage) {
			st, _ := snap.Stage(stage)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.Status))
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		select {
		case <-changed:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
