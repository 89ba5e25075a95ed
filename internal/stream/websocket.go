// ABOUTME: HTTP handler that streams bus events to websocket clients as JSON messages.
// ABOUTME: Query parameters kind and identifier narrow the feed with glob patterns.

package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Handler returns the /events websocket endpoint.
func (b *Broadcaster) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			b.logger.Debug("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		// Clients only listen; CloseRead handles control frames and cancels
		// ctx when the peer goes away.
		ctx := conn.CloseRead(r.Context())

		filter := Filter{
			Kind:       r.URL.Query().Get("kind"),
			Identifier: r.URL.Query().Get("identifier"),
		}
		ch, subID := b.Subscribe(ctx, filter)
		b.logger.Info("event stream opened", "sub_id", subID, "remote", r.RemoteAddr)

		for {
			select {
			case <-ctx.Done():
				b.logger.Info("event stream closed", "sub_id", subID)
				return
			case m, ok := <-ch:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "gateway shutting down")
					return
				}
				if err := b.write(ctx, conn, m); err != nil {
					if !errors.Is(err, context.Canceled) {
						b.logger.Debug("event stream write failed", "sub_id", subID, "error", err)
					}
					return
				}
			}
		}
	})
}

func (b *Broadcaster) write(ctx context.Context, conn *websocket.Conn, m *Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}
