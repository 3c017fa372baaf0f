package upload

import (
	"github.com/bitrise-io/go-blockupload/blob"
)

// Block describes the block containing a pointer.
type Block struct {
	// Size is the declared total size of the block.
	Size int64
	// Offset is the pointer's offset within the block.
	Offset int64
	// IsBlockStart means the region needs a create-block call rather than an append.
	IsBlockStart bool
}

// Chunk is the byte range sent in one request. Offsets are absolute within the blob.
type Chunk struct {
	Start int64
	End   int64
}

// Len returns the chunk size.
func (c Chunk) Len() int64 {
	return c.End - c.Start
}

// Payload reads the chunk bytes from b.
func (c Chunk) Payload(b blob.Blob) ([]byte, error) {
	return blob.Section(b, c.Start, c.End)
}

// NextBlock returns the block that contains pointer.
func NextBlock(b blob.Blob, blockSize, pointer int64) Block {
	offset := pointer % blockSize
	size := b.Size() - (pointer - offset)
	if size > blockSize {
		size = blockSize
	}
	return Block{
		Size:         size,
		Offset:       offset,
		IsBlockStart: offset == 0,
	}
}

// NextChunk returns the chunk starting at pointer.
func NextChunk(b blob.Blob, chunkSize, pointer int64) Chunk {
	end := pointer + chunkSize
	if end > b.Size() {
		end = b.Size()
	}
	return Chunk{Start: pointer, End: end}
}

// IsBlockBoundary reports whether offset ends a block: a multiple of blockSize or the end of the blob.
func IsBlockBoundary(b blob.Blob, blockSize, offset int64) bool {
	return offset%blockSize == 0 || offset == b.Size()
}
