// Package etag computes the content identifier used as both the resume cache key
// and (in its key form) the remote object name.
//
// The identifier is the storage service's block etag: a SHA-1 digest per block,
// hashed again when there is more than one block, prefixed with a marker byte and
// URL-safe base64 encoded.
package etag

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bitrise-io/go-blockupload/blob"
)

// Empty is the identifier of zero-length content.
const Empty = "Fto5o-5ea0sNMlW_75VgGJCv2AcJ"

const (
	singleBlockMarker byte = 0x16
	multiBlockMarker  byte = 0x96
)

// BlockCount returns ceil(size / blockSize).
func BlockCount(size, blockSize int64) int64 {
	return (size + blockSize - 1) / blockSize
}

// Compute returns the content identifier of b. The context is checked between blocks.
func Compute(ctx context.Context, b blob.Blob, blockSize int64) (string, error) {
	if blockSize <= 0 {
		return "", fmt.Errorf("invalid block size: %d", blockSize)
	}

	size := b.Size()
	blockCount := BlockCount(size, blockSize)
	if blockCount == 0 {
		return Empty, nil
	}

	digests := make([]byte, 0, blockCount*sha1.Size)
	for i := int64(0); i < blockCount; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		start := i * blockSize
		end := start + blockSize
		if end > size {
			end = size
		}

		h := sha1.New()
		if _, err := io.Copy(h, blob.Reader(b, start, end)); err != nil {
			return "", &blob.IOError{Start: start, End: end, Err: err}
		}
		digests = h.Sum(digests)
	}

	marker := singleBlockMarker
	if blockCount > 1 {
		marker = multiBlockMarker
		sum := sha1.Sum(digests)
		digests = sum[:]
	}

	return encode(marker, digests), nil
}

// ObjectKey turns an identifier into the form used when naming the object on the server.
func ObjectKey(id string) string {
	// The identifier is ASCII, so its UTF-8 bytes are the string bytes.
	return base64.StdEncoding.EncodeToString([]byte(id))
}

// Marker returns the leading marker byte of an identifier.
func Marker(id string) (byte, error) {
	raw, err := base64.URLEncoding.DecodeString(id)
	if err != nil {
		return 0, fmt.Errorf("decode identifier: %w", err)
	}
	if len(raw) != 1+sha1.Size {
		return 0, fmt.Errorf("identifier has %d bytes, expected %d", len(raw), 1+sha1.Size)
	}
	return raw[0], nil
}

// CRC32 returns the IEEE CRC-32 of the whole blob.
func CRC32(b blob.Blob) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, blob.Reader(b, 0, b.Size())); err != nil {
		return 0, &blob.IOError{Start: 0, End: b.Size(), Err: err}
	}
	return h.Sum32(), nil
}

func encode(marker byte, digest []byte) string {
	buf := make([]byte, 0, 1+len(digest))
	buf = append(buf, marker)
	buf = append(buf, digest...)
	return base64.URLEncoding.EncodeToString(buf)
}
