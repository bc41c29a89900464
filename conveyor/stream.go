package conveyor

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams run and stage events over a websocket: a backfill of
// everything recorded so far, then live updates as they land.
func (c *Conveyor) Events(w http.ResponseWriter, r *http.Request) {
	l := c.l.With("handler", "Events")
	l.Info("received new connection")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	ch := c.n.Subscribe()
	defer c.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var cursor int64

	// complete backfill first before going to live data
	if err := c.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			// we have been notified of new data
			if err := c.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			// send a keep-alive
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (c *Conveyor) streamEvents(conn *websocket.Conn, cursor *int64) error {
	evts, err := c.db.GetEvents(*cursor)
	if err != nil {
		return err
	}

	for _, ev := range evts {
		if err := conn.WriteJSON(ev); err != nil {
			return err
		}
		*cursor = ev.ID
	}

	return nil
}
