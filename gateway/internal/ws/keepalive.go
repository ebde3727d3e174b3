package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultPingInterval is how often the server sends WebSocket ping frames.
const defaultPingInterval = 30 * time.Second

// startKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline of twice the ping interval, extends it on every pong and
// starts a goroutine that sends periodic pings. The provided mutex must be
// the same one used for all writes to the connection.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval time.Duration) (cancel func()) {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	pongWait := 2 * interval

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
