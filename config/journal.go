package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-blockupload/resume"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// OpenJournal creates the resume journal of the configured backend.
// The returned close function releases the backend's connections.
func (c Config) OpenJournal(ctx context.Context, logger log.Logger) (*resume.Journal, func() error, error) {
	noop := func() error { return nil }

	switch c.ResumeBackend {
	case BackendMemory:
		return resume.NewJournal(resume.NewMemory(), c.Namespace, c.StateLimit, logger), noop, nil
	case BackendFile:
		dir, err := c.resumeDir()
		if err != nil {
			return nil, nil, err
		}
		store, err := resume.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Debugf("Resume state directory: %s", dir)
		return resume.NewJournal(store, c.Namespace, c.StateLimit, logger), noop, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", c.RedisAddr, err)
		}
		logger.Debugf("Resume state in redis at %s", c.RedisAddr)
		return resume.NewJournal(resume.NewRedisStore(client, c.RedisTTL), c.Namespace, c.StateLimit, logger), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown resume backend %q", c.ResumeBackend)
}

func (c Config) resumeDir() (string, error) {
	if c.ResumeDir != "" {
		return c.ResumeDir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("no resume directory configured: %w", err)
	}
	return filepath.Join(cacheDir, "blockupload"), nil
}
