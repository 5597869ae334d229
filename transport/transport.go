// Package transport provides reliable, ordered, bidirectional channels between
// peers addressed by string identity.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrAddressInUse is returned by Reserve when another process already
	// holds the identity.
	ErrAddressInUse = errors.New("transport: address already in use")
	// ErrConnect is returned when a remote identity cannot be reached.
	ErrConnect = errors.New("transport: connect failed")
	// ErrClosed is returned by Send on a closed channel.
	ErrClosed = errors.New("transport: channel closed")
	// ErrSendTimeout is returned by Send when the peer does not drain its
	// buffer in time.
	ErrSendTimeout = errors.New("transport: send timed out")
	// ErrUnknownAddress is returned when an identity has no known address.
	ErrUnknownAddress = errors.New("transport: unknown address")
)

// Channel is one open connection to a remote identity. Delivery is reliable
// and ordered while the channel is open.
type Channel interface {
	Remote() string
	Send(data []byte) error
	Close() error
	IsOpen() bool
}

// Endpoint is a reserved identity accepting incoming channels.
type Endpoint interface {
	Identity() string
	Close() error
}

// Handler receives channel events. Calls for one channel are sequential;
// calls for different channels may interleave.
type Handler interface {
	// OnOpen is called for channels accepted by an Endpoint.
	OnOpen(ch Channel)
	OnData(ch Channel, data []byte)
	// OnClose is called once when the channel closes or errors.
	OnClose(ch Channel, err error)
}

// Transport reserves identities and connects to them.
type Transport interface {
	Reserve(identity string, h Handler) (Endpoint, error)
	Connect(ctx context.Context, local, remote string, h Handler) (Channel, error)
	// Probe reports whether remote currently accepts connections. The probe
	// connection is never surfaced to the remote handler.
	Probe(ctx context.Context, remote string) error
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Open  func(ch Channel)
	Data  func(ch Channel, data []byte)
	Close func(ch Channel, err error)
}

func (h HandlerFuncs) OnOpen(ch Channel) {
	if h.Open != nil {
		h.Open(ch)
	}
}

func (h HandlerFuncs) OnData(ch Channel, data []byte) {
	if h.Data != nil {
		h.Data(ch, data)
	}
}

func (h HandlerFuncs) OnClose(ch Channel, err error) {
	if h.Close != nil {
		h.Close(ch, err)
	}
}
