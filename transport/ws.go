package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSOptions configures a websocket Transport.
type WSOptions struct {
	// Addrs maps identities that can be reserved or dialed to host:port.
	Addrs map[string]string

	ReadMessageSizeLimit int64
	ReadBufferSize       int
	WriteBufferSize      int
	Compression          bool
	CompressionLevel     int
	SendBuffer           int

	Log *zap.SugaredLogger
}

// WS is a Transport carrying one frame per websocket text message.
type WS struct {
	opts     WSOptions
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

// NewWS returns a websocket transport.
func NewWS(opts WSOptions) *WS {
	if opts.Log == nil {
		opts.Log = zap.S()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.ReadMessageSizeLimit <= 0 {
		opts.ReadMessageSizeLimit = 1 << 20
	}
	w := &WS{opts: opts, log: opts.Log.With("transport", "ws")}
	w.upgrader = websocket.Upgrader{
		ReadBufferSize:    opts.ReadBufferSize,
		WriteBufferSize:   opts.WriteBufferSize,
		EnableCompression: opts.Compression,
	}
	w.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	return w
}

func (w *WS) addr(identity string) (string, error) {
	a, ok := w.opts.Addrs[identity]
	if !ok || a == "" {
		return "", fmt.Errorf("%s: %w", identity, ErrUnknownAddress)
	}
	return a, nil
}

func (w *WS) Reserve(identity string, h Handler) (Endpoint, error) {
	addr, err := w.addr(identity)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("reserve %s on %s: %w", identity, addr, ErrAddressInUse)
		}
		return nil, fmt.Errorf("reserve %s on %s: %w", identity, addr, err)
	}
	ep := &wsEndpoint{
		ws:       w,
		id:       identity,
		h:        h,
		channels: make(map[*wsChannel]struct{}),
		log:      w.log.With("endpoint", identity),
	}
	m := http.NewServeMux()
	m.HandleFunc("/ws", ep.serveWs)
	ep.srv = &http.Server{Handler: m}
	go func() {
		if err := ep.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ep.log.Error("serve:", err)
		}
	}()
	ep.log.Info("reserved ", addr)
	return ep, nil
}

func (w *WS) dial(ctx context.Context, remote string, q url.Values) (*websocket.Conn, error) {
	addr, err := w.addr(remote)
	if err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: q.Encode()}
	d := websocket.Dialer{
		ReadBufferSize:    w.opts.ReadBufferSize,
		WriteBufferSize:   w.opts.WriteBufferSize,
		EnableCompression: w.opts.Compression,
	}
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", remote, err, ErrConnect)
	}
	return conn, nil
}

func (w *WS) Connect(ctx context.Context, local, remote string, h Handler) (Channel, error) {
	conn, err := w.dial(ctx, remote, url.Values{"peer": {local}})
	if err != nil {
		return nil, err
	}
	c := w.newChannel(conn, remote, h, nil)
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (w *WS) Probe(ctx context.Context, remote string) error {
	conn, err := w.dial(ctx, remote, url.Values{"probe": {"1"}})
	if err != nil {
		return err
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return conn.Close()
}

func (w *WS) newChannel(conn *websocket.Conn, remote string, h Handler, ep *wsEndpoint) *wsChannel {
	if w.opts.Compression {
		conn.EnableWriteCompression(true)
		conn.SetCompressionLevel(w.opts.CompressionLevel)
	}
	c := &wsChannel{
		ws:     w,
		conn:   conn,
		remote: remote,
		h:      h,
		ep:     ep,
		send:   make(chan []byte, w.opts.SendBuffer),
		done:   make(chan struct{}),
		log:    w.log.With("peer", remote),
	}
	conn.SetCloseHandler(func(code int, text string) error {
		c.log.Info("CloseHandler:", code, text)
		message := websocket.FormatCloseMessage(code, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return nil
	})
	return c
}

type wsEndpoint struct {
	ws  *WS
	id  string
	h   Handler
	srv *http.Server
	log *zap.SugaredLogger

	mu       sync.Mutex
	closed   bool
	channels map[*wsChannel]struct{}
}

func (e *wsEndpoint) Identity() string { return e.id }

func (e *wsEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chs := make([]*wsChannel, 0, len(e.channels))
	for c := range e.channels {
		chs = append(chs, c)
	}
	e.mu.Unlock()

	err := e.srv.Close()
	for _, c := range chs {
		c.Close()
	}
	e.log.Info("released")
	return err
}

// serveWs handles websocket requests from the peer.
func (e *wsEndpoint) serveWs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	peer := q.Get("peer")
	probe := q.Get("probe") != ""
	if peer == "" && !probe {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}
	conn, err := e.ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Error("upgrade:", err)
		return
	}
	if probe {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := e.ws.newChannel(conn, peer, e.h, e)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.channels[c] = struct{}{}
	e.mu.Unlock()

	e.h.OnOpen(c)
	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go c.writePump()
	go c.readPump()
}

// wsChannel is a middleman between the websocket connection and the Handler.
type wsChannel struct {
	ws     *WS
	conn   *websocket.Conn
	remote string
	h      Handler
	ep     *wsEndpoint
	log    *zap.SugaredLogger

	// Buffered channel of outbound messages.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsChannel) Remote() string { return c.remote }

func (c *wsChannel) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues data for the write pump. It waits up to writeWait for room in
// the buffer.
func (c *wsChannel) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
	}
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-t.C:
		return fmt.Errorf("send to %s: %w", c.remote, ErrSendTimeout)
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// readPump pumps messages from the websocket connection to the handler.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *wsChannel) readPump() {
	var cause error
	defer func() {
		c.Close()
		c.conn.Close()
		if c.ep != nil {
			c.ep.mu.Lock()
			delete(c.ep.channels, c)
			c.ep.mu.Unlock()
		}
		c.h.OnClose(c, cause)
	}()
	c.conn.SetReadLimit(c.ws.opts.ReadMessageSizeLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error(err)
				cause = err
			}
			return
		}
		c.h.OnData(c, message)
	}
}

// writePump pumps messages from the send buffer to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Errorf("WriteMessage:%v", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorf("WriteMessage PingMessage:%v", err)
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever was queued before the channel was closed.
func (c *wsChannel) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
