package front

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mqy/chatmux/auth"
)

const (
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Max size of a frame, a frame may carry several lines.
	maxFrameBytes = 16 * maxLineBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are local tools, the listen address is restricted to loopback or private networks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is a client on a websocket, one text frame per line.
type wsConn struct {
	sync.Mutex
	id     string
	remote string
	conn   *websocket.Conn
	stopC  chan struct{}
	once   sync.Once
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) String() string {
	return fmt.Sprintf("%s (ws %s)", c.id, c.remote)
}

func (c *wsConn) write(msgType int, data []byte) error {
	c.Lock()
	defer c.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsConn) WriteLine(line string) error {
	return c.write(websocket.TextMessage, []byte(line))
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.stopC)
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
	})
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				glog.Errorf("front: client %s: ping error: %v", c, err)
				c.Close()
				return
			}
		case <-c.stopC:
			return
		}
	}
}

// WsHandler serves front clients over websocket.
type WsHandler struct {
	hub        Attacher
	dispatcher *Dispatcher
	auth       auth.Client

	wg sync.WaitGroup
}

func NewWsHandler(h Attacher, d *Dispatcher, a auth.Client) *WsHandler {
	return &WsHandler{hub: h, dispatcher: d, auth: a}
}

// Wait waits for all websocket connections to end.
func (h *WsHandler) Wait() {
	h.wg.Wait()
}

func (h *WsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, err := h.auth.Auth(r)
	if err != nil {
		glog.Errorf("front: ws authenticate error, remote: %s, err: %v", r.RemoteAddr, err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("front: ws upgrade error, remote: %s, err: %v", r.RemoteAddr, err)
		return
	}

	c := &wsConn{
		id:     strings.ReplaceAll(uuid.New(), "-", ""),
		remote: r.RemoteAddr,
		conn:   conn,
		stopC:  make(chan struct{}),
	}
	glog.Infof("front: client %s connected as %s", c, name)

	h.wg.Add(1)
	defer h.wg.Done()
	defer func() {
		h.hub.Detach(c)
		c.Close()
		glog.Infof("front: client %s disconnected", c)
	}()

	ctx := context.Background()
	if err := h.hub.Attach(ctx, c); err != nil {
		glog.Errorf("front: client %s: attach: %v", c, err)
		return
	}
	go c.pingLoop()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(5).Infof("front: client %s: read error: %v", c, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			glog.Errorf("front: client %s: unexpected message type: %d", c, msgType)
			return
		}
		for _, line := range strings.Split(string(msg), "\n") {
			if len(line) > maxLineBytes {
				glog.Warningf("front: client %s: input line over %d bytes discarded", c, maxLineBytes)
				err = h.dispatcher.LineTooLong(ctx, c)
			} else {
				err = h.dispatcher.Handle(ctx, c, line)
			}
			if err != nil {
				glog.Errorf("front: client %s: %v", c, err)
				return
			}
		}
	}
}
