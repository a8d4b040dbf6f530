package viz

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the JSON message sent to websocket clients
type Frame struct {
	Type   string    `json:"type"`
	Series string    `json:"series"`
	Time   time.Time `json:"time"`
	Points []Point   `json:"points"`
}

type client struct {
	conn *websocket.Conn
	send chan Frame
}

// writeWait bounds every write to a viewer
const writeWait = 5 * time.Second

// writePump pumps frames from the hub to the websocket connection
func (c *client) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
	c.goAway()
}

// goAway sends a close frame; safe to call alongside writePump
func (c *client) goAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Hub broadcasts series to every connected websocket client. A client that
// cannot keep up misses frames; Log never blocks on the network.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
}

// clientBuffer is how many frames may queue per client before drops
const clientBuffer = 16

// NewHub creates a hub with no clients
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
		clients: make(map[*client]bool),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Log broadcasts a series to every client
func (h *Hub) Log(series string, points []Point) {
	frame := Frame{Type: "series", Series: series, Time: time.Now(), Points: points}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// CloseAll disconnects every client. Their ServeHTTP loops return and
// remove them from the hub.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.goAway()
		c.conn.Close()
	}
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] websocket upgrade: %v", err)
		return
	}
	log.Printf("[INFO] viewer connected from %s", r.RemoteAddr)

	c := &client{conn: conn, send: make(chan Frame, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send) // This will stop writePump
		log.Printf("[INFO] viewer %s disconnected", r.RemoteAddr)
	}()

	// viewers only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Server serves the hub and a minimal viewer page
type Server struct {
	hub  *Hub
	addr string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server for hub on addr
func NewServer(addr string, hub *Hub) *Server {
	return &Server{hub: hub, addr: addr}
}

// Addr returns the bound address once Start has been called
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Start listens and serves in the background until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(viewerPage))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] visualization server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		// hijacked websocket connections are not closed by Shutdown
		s.hub.CloseAll()
	}()

	log.Printf("[INFO] waveform viewer on http://%s/", ln.Addr())
	return nil
}

const viewerPage = `<!DOCTYPE html>
<html>
<head><title>lime-streamer</title></head>
<body style="background:#111;color:#ddd;font-family:monospace">
<div id="title">waiting for data</div>
<canvas id="plot" width="1024" height="400"></canvas>
<script>
const canvas = document.getElementById("plot");
const ctx = canvas.getContext("2d");
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (ev) => {
  const f = JSON.parse(ev.data);
  document.getElementById("title").textContent = f.series + " (" + f.points.length + " points)";
  ctx.clearRect(0, 0, canvas.width, canvas.height);
  const sx = canvas.width / Math.max(f.points.length, 1);
  const mid = canvas.height / 2;
  for (const [key, color] of [["x", "#4af"], ["y", "#fa4"]]) {
    ctx.strokeStyle = color;
    ctx.beginPath();
    f.points.forEach((p, j) => {
      const y = mid - p[key] * mid;
      if (j === 0) ctx.moveTo(0, y); else ctx.lineTo(j * sx, y);
    });
    ctx.stroke();
  }
};
</script>
</body>
</html>
`
