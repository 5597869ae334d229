package transport

import (
	"context"
	"fmt"
	"sync"
)

// Network is an in-process Transport. Every Node sharing a Network can reach
// every identity reserved on it.
type Network struct {
	mu          sync.Mutex
	endpoints   map[string]*memEndpoint
	unreachable map[string]bool
}

// NewNetwork returns an empty in-memory network.
func NewNetwork() *Network {
	return &Network{
		endpoints:   make(map[string]*memEndpoint),
		unreachable: make(map[string]bool),
	}
}

func (n *Network) Reserve(identity string, h Handler) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[identity]; ok {
		return nil, fmt.Errorf("reserve %s: %w", identity, ErrAddressInUse)
	}
	ep := &memEndpoint{
		net:      n,
		id:       identity,
		h:        h,
		channels: make(map[*memChannel]struct{}),
	}
	n.endpoints[identity] = ep
	return ep, nil
}

func (n *Network) Connect(ctx context.Context, local, remote string, h Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect %s: %v: %w", remote, err, ErrConnect)
	}
	n.mu.Lock()
	ep, ok := n.endpoints[remote]
	down := n.unreachable[remote]
	n.mu.Unlock()
	if !ok || down {
		return nil, fmt.Errorf("connect %s: %w", remote, ErrConnect)
	}

	a := newMemChannel(local, remote, h)
	b := newMemChannel(remote, local, ep.h)
	a.peer, b.peer = b, a
	if !ep.add(b) {
		return nil, fmt.Errorf("connect %s: endpoint closed: %w", remote, ErrConnect)
	}
	b.ep = ep

	go b.pump(true)
	go a.pump(false)
	return a, nil
}

func (n *Network) Probe(ctx context.Context, remote string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("probe %s: %v: %w", remote, err, ErrConnect)
	}
	n.mu.Lock()
	_, ok := n.endpoints[remote]
	down := n.unreachable[remote]
	n.mu.Unlock()
	if !ok || down {
		return fmt.Errorf("probe %s: %w", remote, ErrConnect)
	}
	return nil
}

// SetReachable makes an identity refuse probes and connections while it
// stays reserved, like a peer that holds its address but stopped answering.
func (n *Network) SetReachable(identity string, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ok {
		delete(n.unreachable, identity)
		return
	}
	n.unreachable[identity] = true
}

// Reserved reports whether identity is currently held on the network.
func (n *Network) Reserved(identity string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[identity]
	return ok
}

type memEndpoint struct {
	net *Network
	id  string
	h   Handler

	mu       sync.Mutex
	closed   bool
	channels map[*memChannel]struct{}
}

func (e *memEndpoint) Identity() string { return e.id }

func (e *memEndpoint) add(c *memChannel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.channels[c] = struct{}{}
	return true
}

func (e *memEndpoint) drop(c *memChannel) {
	e.mu.Lock()
	delete(e.channels, c)
	e.mu.Unlock()
}

func (e *memEndpoint) Close() error {
	e.net.mu.Lock()
	if e.net.endpoints[e.id] == e {
		delete(e.net.endpoints, e.id)
	}
	e.net.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chs := make([]*memChannel, 0, len(e.channels))
	for c := range e.channels {
		chs = append(chs, c)
	}
	e.mu.Unlock()

	for _, c := range chs {
		c.Close()
	}
	return nil
}

type memChannel struct {
	local  string
	remote string
	h      Handler
	peer   *memChannel
	ep     *memEndpoint

	inbox chan []byte
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newMemChannel(local, remote string, h Handler) *memChannel {
	return &memChannel{
		local:  local,
		remote: remote,
		h:      h,
		inbox:  make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
}

func (c *memChannel) Remote() string { return c.remote }

func (c *memChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *memChannel) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	return c.peer.deliver(data)
}

// deliver waits for room in the inbox while the channel is open.
func (c *memChannel) deliver(data []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.inbox <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close closes both ends of the channel.
func (c *memChannel) Close() error {
	c.shut()
	c.peer.shut()
	return nil
}

func (c *memChannel) shut() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	if c.ep != nil {
		c.ep.drop(c)
	}
}

// pump delivers inbound data to the handler in order and reports the close
// after everything already queued.
func (c *memChannel) pump(accepted bool) {
	if accepted {
		c.h.OnOpen(c)
	}
	for {
		select {
		case data := <-c.inbox:
			c.h.OnData(c, data)
		case <-c.done:
			for {
				select {
				case data := <-c.inbox:
					c.h.OnData(c, data)
				default:
					c.h.OnClose(c, nil)
					return
				}
			}
		}
	}
}
