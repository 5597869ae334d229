package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassemblerPermuted(t *testing.T) {
	r := NewReassembler(100, time.Minute, nil)
	parts := [][]byte{[]byte("aa"), []byte("bb"), []byte("cc"), []byte("dd")}

	for i, idx := range []int{2, 0, 3, 1} {
		done, ok, err := r.Ingest(Chunk{TransferID: "t1", Index: idx, Total: 4, Data: parts[idx], MimeType: "image/png", Sender: "s"})
		require.NoError(t, err)
		if i < 3 {
			assert.False(t, ok)
			assert.Equal(t, 1, r.Pending())
			continue
		}
		require.True(t, ok)
		assert.Equal(t, []byte("aabbccdd"), done.Data)
		assert.Equal(t, "image/png", done.MimeType)
		assert.Equal(t, "s", done.Sender)
	}
	assert.Zero(t, r.Pending())
}

func TestReassemblerRejects(t *testing.T) {
	r := NewReassembler(100, time.Minute, nil)

	_, _, err := r.Ingest(Chunk{TransferID: "big", Index: 0, Total: 101, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrTransferTooLarge)
	assert.Zero(t, r.Pending())

	_, _, err = r.Ingest(Chunk{TransferID: "t", Index: 2, Total: 2, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, _, err = r.Ingest(Chunk{TransferID: "", Index: 0, Total: 1, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, _, err = r.Ingest(Chunk{TransferID: "t", Index: 0, Total: 3, Data: []byte("x")})
	require.NoError(t, err)
	_, _, err = r.Ingest(Chunk{TransferID: "t", Index: 1, Total: 4, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestReassemblerDuplicate(t *testing.T) {
	r := NewReassembler(100, time.Minute, nil)

	_, ok, err := r.Ingest(Chunk{TransferID: "t", Index: 0, Total: 2, Data: []byte("old")})
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = r.Ingest(Chunk{TransferID: "t", Index: 0, Total: 2, Data: []byte("new")})
	require.NoError(t, err)
	assert.False(t, ok, "a repeated index must not complete the transfer")

	done, ok, err := r.Ingest(Chunk{TransferID: "t", Index: 1, Total: 2, Data: []byte("!")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new!"), done.Data)
}

func TestReassemblerCleanup(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReassembler(100, time.Minute, func() time.Time { return now })

	_, _, err := r.Ingest(Chunk{TransferID: "stalled", Index: 0, Total: 3, Data: []byte("x")})
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, _, err = r.Ingest(Chunk{TransferID: "recent", Index: 0, Total: 2, Data: []byte("y")})
	require.NoError(t, err)

	assert.Empty(t, r.Cleanup())
	assert.Equal(t, 2, r.Pending())

	now = now.Add(31 * time.Second)
	assert.Equal(t, []string{"stalled"}, r.Cleanup())
	assert.Equal(t, 1, r.Pending())

	// a late chunk of a dropped transfer starts over and cannot complete it
	_, ok, err := r.Ingest(Chunk{TransferID: "stalled", Index: 2, Total: 3, Data: []byte("z")})
	require.NoError(t, err)
	assert.False(t, ok)

	done, ok, err := r.Ingest(Chunk{TransferID: "recent", Index: 1, Total: 2, Data: []byte("!")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("y!"), done.Data)
}

func TestSplitChunks(t *testing.T) {
	parts, err := SplitChunks([]byte("abcdefghij"), 4, 100)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []byte("ij"), parts[2])

	_, err = SplitChunks(make([]byte, 101), 1, 100)
	assert.ErrorIs(t, err, ErrTransferTooLarge)

	_, err = SplitChunks(nil, 4, 100)
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestImageCache(t *testing.T) {
	c := NewImageCache(2, time.Minute)
	now := time.Unix(1000, 0)

	c.Add(Completed{TransferID: "a"}, now)
	c.Add(Completed{TransferID: "b"}, now.Add(time.Second))
	c.Add(Completed{TransferID: "c"}, now.Add(2*time.Second))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Cleanup(now.Add(62*time.Second)))
	_, ok = c.Get("c")
	assert.True(t, ok)
}
