package room

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransferTooLarge = errors.New("transfer exceeds chunk limit")
	ErrInvalidChunk     = errors.New("invalid chunk")
)

// Chunk is one fragment of a transfer.
type Chunk struct {
	TransferID string
	Index      int
	Total      int
	Data       []byte
	MimeType   string
	Sender     string
}

// Completed is a reassembled transfer.
type Completed struct {
	TransferID string
	MimeType   string
	Sender     string
	Data       []byte
}

type transferBuffer struct {
	mime    string
	sender  string
	slots   [][]byte
	started time.Time
}

// filled counts non-empty slots. A duplicate write at one index does not
// add to the count, but a transfer is still judged complete by count alone.
func (b *transferBuffer) filled() int {
	n := 0
	for _, s := range b.slots {
		if len(s) > 0 {
			n++
		}
	}
	return n
}

// Reassembler buffers transfer fragments until every slot is filled.
// Transfers that stay incomplete for longer than ttl are dropped by Cleanup.
type Reassembler struct {
	maxChunks int
	ttl       time.Duration
	now       func() time.Time
	buffers   map[string]*transferBuffer
}

func NewReassembler(maxChunks int, ttl time.Duration, now func() time.Time) *Reassembler {
	if maxChunks <= 0 {
		maxChunks = 100
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Reassembler{maxChunks: maxChunks, ttl: ttl, now: now, buffers: make(map[string]*transferBuffer)}
}

// Ingest stores c. When the transfer is complete it returns the payload
// concatenated in index order and forgets the transfer.
func (r *Reassembler) Ingest(c Chunk) (*Completed, bool, error) {
	if c.Total > r.maxChunks {
		return nil, false, fmt.Errorf("transfer %s: %d chunks: %w", c.TransferID, c.Total, ErrTransferTooLarge)
	}
	if c.TransferID == "" || c.Total < 1 || c.Index < 0 || c.Index >= c.Total {
		return nil, false, fmt.Errorf("transfer %q index %d of %d: %w", c.TransferID, c.Index, c.Total, ErrInvalidChunk)
	}
	b, ok := r.buffers[c.TransferID]
	if !ok {
		b = &transferBuffer{mime: c.MimeType, sender: c.Sender, slots: make([][]byte, c.Total), started: r.now()}
		r.buffers[c.TransferID] = b
	} else if len(b.slots) != c.Total {
		return nil, false, fmt.Errorf("transfer %s: total changed from %d to %d: %w", c.TransferID, len(b.slots), c.Total, ErrInvalidChunk)
	}
	b.slots[c.Index] = append([]byte(nil), c.Data...)

	if b.filled() != len(b.slots) {
		return nil, false, nil
	}
	delete(r.buffers, c.TransferID)
	size := 0
	for _, s := range b.slots {
		size += len(s)
	}
	data := make([]byte, 0, size)
	for _, s := range b.slots {
		data = append(data, s...)
	}
	return &Completed{TransferID: c.TransferID, MimeType: b.mime, Sender: b.sender, Data: data}, true, nil
}

// Pending is the number of incomplete transfers.
func (r *Reassembler) Pending() int { return len(r.buffers) }

// Cleanup drops transfers started more than ttl ago and returns their ids.
func (r *Reassembler) Cleanup() []string {
	now := r.now()
	var dropped []string
	for id, b := range r.buffers {
		if now.Sub(b.started) > r.ttl {
			delete(r.buffers, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// SplitChunks cuts data into pieces of at most size bytes.
func SplitChunks(data []byte, size, maxChunks int) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload: %w", ErrInvalidChunk)
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunk size %d: %w", size, ErrInvalidChunk)
	}
	n := (len(data) + size - 1) / size
	if n > maxChunks {
		return nil, fmt.Errorf("%d chunks: %w", n, ErrTransferTooLarge)
	}
	parts := make([][]byte, 0, n)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[off:end])
	}
	return parts, nil
}
