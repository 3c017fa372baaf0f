package upload

import (
	"testing"

	"github.com/bitrise-io/go-blockupload/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBlock(t *testing.T) {
	b := blob.Bytes(make([]byte, 20))

	tests := []struct {
		name    string
		pointer int64
		want    Block
	}{
		{name: "first block", pointer: 0, want: Block{Size: 8, Offset: 0, IsBlockStart: true}},
		{name: "inside first block", pointer: 4, want: Block{Size: 8, Offset: 4}},
		{name: "second block", pointer: 8, want: Block{Size: 8, Offset: 0, IsBlockStart: true}},
		{name: "short last block", pointer: 16, want: Block{Size: 4, Offset: 0, IsBlockStart: true}},
		{name: "inside short last block", pointer: 18, want: Block{Size: 4, Offset: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextBlock(b, 8, tt.pointer))
		})
	}
}

func TestNextChunk(t *testing.T) {
	b := blob.Bytes(make([]byte, 10))

	assert.Equal(t, Chunk{Start: 0, End: 4}, NextChunk(b, 4, 0))
	assert.Equal(t, Chunk{Start: 8, End: 10}, NextChunk(b, 4, 8))
	assert.Equal(t, int64(2), NextChunk(b, 4, 8).Len())
}

func TestChunks_CoverBlobExactlyOnce(t *testing.T) {
	for _, size := range []int64{1, 7, 8, 9, 16, 17, 31, 32, 33} {
		data := sequence(int(size))
		b := blob.Bytes(data)

		var covered []byte
		var boundaries int
		for pointer := int64(0); pointer < size; {
			block := NextBlock(b, 8, pointer)
			chunk := NextChunk(b, 4, pointer)
			require.Equal(t, pointer, chunk.Start)
			require.LessOrEqual(t, block.Offset+chunk.Len(), block.Size, "chunk crosses a block at %d", pointer)

			payload, err := chunk.Payload(b)
			require.NoError(t, err)
			covered = append(covered, payload...)

			if IsBlockBoundary(b, 8, chunk.End) {
				boundaries++
			}
			pointer = chunk.End
		}

		assert.Equal(t, data, covered, "size %d", size)
		assert.Equal(t, int((size+7)/8), boundaries, "size %d", size)
	}
}

func TestIsBlockBoundary(t *testing.T) {
	b := blob.Bytes(make([]byte, 10))

	assert.True(t, IsBlockBoundary(b, 4, 4))
	assert.True(t, IsBlockBoundary(b, 4, 8))
	assert.True(t, IsBlockBoundary(b, 4, 10))
	assert.False(t, IsBlockBoundary(b, 4, 6))
}
