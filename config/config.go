// Package config assembles the uploader configuration from an optional YAML file
// and BLOCKUPLOAD_* environment variables. Environment values win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-blockupload/resume"
	"github.com/bitrise-io/go-blockupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BLOCKUPLOAD_"

// Resume backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Keys recognised in the YAML file. The environment variable is the upper-cased key with envPrefix.
const (
	keyBaseURL        = "base_url"
	keyToken          = "token"
	keyBlockSize      = "block_size"
	keyChunkSize      = "chunk_size"
	keyRetryMax       = "retry_max"
	keyBandwidthLimit = "bandwidth_limit"
	keyResumeBackend  = "resume_backend"
	keyResumeDir      = "resume_dir"
	keyRedisAddr      = "redis_addr"
	keyRedisTTL       = "redis_ttl"
	keyNamespace      = "namespace"
	keyStateLimit     = "state_limit"
	keyConcurrency    = "concurrency"
	keyAttempts       = "attempts"
	keyAnalytics      = "analytics"
	keyVerbose        = "verbose"
)

var keys = []string{
	keyBaseURL, keyToken, keyBlockSize, keyChunkSize, keyRetryMax, keyBandwidthLimit,
	keyResumeBackend, keyResumeDir, keyRedisAddr, keyRedisTTL, keyNamespace, keyStateLimit,
	keyConcurrency, keyAttempts, keyAnalytics, keyVerbose,
}

// Secret is a string that is not printed in logs.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// Config is the full configuration of the CLI.
type Config struct {
	Upload upload.Config
	Token  Secret

	ResumeBackend string
	ResumeDir     string
	RedisAddr     string
	RedisTTL      time.Duration
	Namespace     string
	// StateLimit caps the encoded resume record size in bytes. 0 means unlimited.
	StateLimit int

	// Concurrency is the number of files uploaded at the same time.
	Concurrency int
	// Attempts is how many times a file upload is run; every run resumes the previous one.
	Attempts  int
	Analytics bool
	Verbose   bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Upload:        upload.DefaultConfig(),
		ResumeBackend: BackendFile,
		Namespace:     resume.DefaultNamespace,
		Concurrency:   2,
		Attempts:      1,
	}
}

// EnvKey returns the environment variable for a YAML key.
func EnvKey(key string) string {
	return envPrefix + strings.ToUpper(key)
}

// Load reads the file at path (if not empty) and then envRepo.
func Load(envRepo env.Repository, path string) (Config, error) {
	values := map[string]string{}

	if path != "" {
		fileValues, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}

	for _, key := range keys {
		if v := envRepo.Get(EnvKey(key)); v != "" {
			values[key] = v
		}
	}

	return parse(values)
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	known := map[string]bool{}
	for _, key := range keys {
		known[key] = true
	}

	values := map[string]string{}
	for k, v := range raw {
		if !known[k] {
			return nil, fmt.Errorf("unknown config key %q in %s", k, path)
		}
		if v == nil {
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return values, nil
}

func parse(values map[string]string) (Config, error) {
	cfg := Default()
	p := parser{values: values}

	if v, ok := values[keyBaseURL]; ok {
		cfg.Upload.BaseURL = v
	}
	if v, ok := values[keyToken]; ok {
		cfg.Token = Secret(v)
		cfg.Upload.Token = v
	}
	p.size(keyBlockSize, &cfg.Upload.BlockSize)
	p.size(keyChunkSize, &cfg.Upload.ChunkSize)
	p.integer(keyRetryMax, &cfg.Upload.RetryMax)
	p.size(keyBandwidthLimit, &cfg.Upload.BandwidthLimit)

	if v, ok := values[keyResumeBackend]; ok {
		cfg.ResumeBackend = strings.ToLower(v)
	}
	if v, ok := values[keyResumeDir]; ok {
		cfg.ResumeDir = v
	}
	if v, ok := values[keyRedisAddr]; ok {
		cfg.RedisAddr = v
	}
	p.duration(keyRedisTTL, &cfg.RedisTTL)
	if v, ok := values[keyNamespace]; ok {
		cfg.Namespace = v
	}
	var stateLimit int64
	p.size(keyStateLimit, &stateLimit)
	cfg.StateLimit = int(stateLimit)

	p.integer(keyConcurrency, &cfg.Concurrency)
	p.integer(keyAttempts, &cfg.Attempts)
	p.boolean(keyAnalytics, &cfg.Analytics)
	p.boolean(keyVerbose, &cfg.Verbose)

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that Load cannot default.
func (c Config) Validate() error {
	if err := c.Upload.Validate(); err != nil {
		return err
	}
	switch c.ResumeBackend {
	case BackendMemory, BackendFile:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%s is required for the redis resume backend", EnvKey(keyRedisAddr))
		}
	default:
		return fmt.Errorf("unknown resume backend %q, use %s, %s or %s", c.ResumeBackend, BackendMemory, BackendFile, BackendRedis)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1")
	}
	if c.Attempts < 1 {
		return fmt.Errorf("attempts should be at least 1")
	}
	return nil
}

type parser struct {
	values map[string]string
	err    error
}

func (p *parser) size(key string, dst *int64) {
	v, ok := p.values[key]
	if !ok || p.err != nil {
		return
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.values[key]
	if !ok || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.values[key]
	if !ok || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = d
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.values[key]
	if !ok || p.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = b
}
