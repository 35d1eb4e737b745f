package preview

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ReloadPath is where browsers connect for live reload notifications.
const ReloadPath = "/-/reload"

// Messages sent to live reload clients.
const (
	MsgReload = "reload"
	MsgError  = "error"
)

// reloadScript reconnects after the server restarts and reloads the page on
// MsgReload.
const reloadScript = `<script type="module">
(() => {
  const url = new URL("` + ReloadPath + `", location.href);
  url.protocol = url.protocol.replace("http", "ws");
  const connect = () => {
    const ws = new WebSocket(url);
    ws.onmessage = (e) => { if (e.data === "` + MsgReload + `") location.reload(); };
    ws.onclose = () => setTimeout(connect, 1000);
  };
  connect();
})();
</script>
`

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// reloadClient is one connected browser tab.
type reloadClient struct {
	conn      *websocket.Conn
	writeChan chan string
	closeChan chan struct{}
	closed    bool
	closeMu   sync.Mutex
}

// Reloader tells connected browsers to reload after a rebuild.
type Reloader struct {
	clients map[*reloadClient]struct{}
	mu      sync.Mutex
	logger  zerolog.Logger
}

// NewReloader creates a Reloader with no clients.
func NewReloader(logger zerolog.Logger) *Reloader {
	return &Reloader{
		clients: make(map[*reloadClient]struct{}),
		logger:  logger.With().Str("component", "reload").Logger(),
	}
}

func (r *Reloader) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug().Err(err).Msg("live reload websocket upgrade failed")
		return
	}

	c := &reloadClient{
		conn:      conn,
		writeChan: make(chan string, 8),
		closeChan: make(chan struct{}),
	}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	go c.writeLoop(r.logger)

	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		c.Close()
	}()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	// Clients never send anything; reading detects the close.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug().Err(err).Msg("live reload read error")
			}
			return
		}
	}
}

// Broadcast queues msg for every connected client. Clients whose queue is
// full miss the message.
func (r *Reloader) Broadcast(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		select {
		case c.writeChan <- msg:
		default:
		}
	}
	r.logger.Debug().Str("message", msg).Int("clients", len(r.clients)).Msg("broadcast")
}

// Clients returns the number of connected clients.
func (r *Reloader) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close disconnects every client.
func (r *Reloader) Close() {
	r.mu.Lock()
	clients := make([]*reloadClient, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
}

func (c *reloadClient) writeLoop(logger zerolog.Logger) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				logger.Debug().Err(err).Msg("live reload ping failed")
				return
			}
		case msg := <-c.writeChan:
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				logger.Debug().Err(err).Msg("live reload write failed")
				return
			}
		}
	}
}

// Close closes the connection and stops the writer goroutine.
func (c *reloadClient) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
	_ = c.conn.Close()
}
