package upload

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-blockupload/transport"
)

const (
	// DefaultBlockSize is the server side block size of the protocol.
	DefaultBlockSize = 1 << 22
	// DefaultChunkSize is the payload of one request.
	DefaultChunkSize = 1 << 20
)

// ErrInvalidConfig is wrapped by Config.Validate errors.
var ErrInvalidConfig = errors.New("invalid upload config")

// Config holds configuration for the uploader.
type Config struct {
	// BlockSize is the number of bytes per block.
	// Default: 4 MiB
	BlockSize int64

	// ChunkSize is the number of bytes sent per request. It must divide BlockSize.
	// Default: 1 MiB
	ChunkSize int64

	// BaseURL is the upload endpoint root.
	BaseURL string

	// Token is the upload credential. It can be overridden per upload.
	Token string

	// RetryMax is the number of transport level retries per request.
	// Default: 0, every failure is surfaced to the caller.
	RetryMax int

	// BandwidthLimit caps the upload rate in bytes per second.
	// Default: 0, unlimited
	BandwidthLimit int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize: DefaultBlockSize,
		ChunkSize: DefaultChunkSize,
		BaseURL:   transport.DefaultBaseURL,
	}
}

// Validate checks the block and chunk geometry.
func (c Config) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block size must be positive, got %d", ErrInvalidConfig, c.BlockSize)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, c.ChunkSize)
	case c.ChunkSize > c.BlockSize:
		return fmt.Errorf("%w: chunk size %d exceeds block size %d", ErrInvalidConfig, c.ChunkSize, c.BlockSize)
	case c.BlockSize%c.ChunkSize != 0:
		return fmt.Errorf("%w: chunk size %d does not divide block size %d", ErrInvalidConfig, c.ChunkSize, c.BlockSize)
	case c.BaseURL == "":
		return fmt.Errorf("%w: base URL is empty", ErrInvalidConfig)
	case c.RetryMax < 0:
		return fmt.Errorf("%w: retry max must not be negative", ErrInvalidConfig)
	case c.BandwidthLimit < 0:
		return fmt.Errorf("%w: bandwidth limit must not be negative", ErrInvalidConfig)
	}
	return nil
}
