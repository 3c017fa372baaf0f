package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "zero block size", modify: func(c *Config) { c.BlockSize = 0 }},
		{name: "negative chunk size", modify: func(c *Config) { c.ChunkSize = -1 }},
		{name: "chunk larger than block", modify: func(c *Config) { c.ChunkSize = c.BlockSize * 2 }},
		{name: "chunk does not divide block", modify: func(c *Config) { c.ChunkSize = 3 << 20 }},
		{name: "no base url", modify: func(c *Config) { c.BaseURL = "" }},
		{name: "negative retries", modify: func(c *Config) { c.RetryMax = -1 }},
		{name: "negative bandwidth", modify: func(c *Config) { c.BandwidthLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}
}
