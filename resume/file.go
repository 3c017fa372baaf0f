package resume

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-blockupload/internal"
)

const fileSuffix = ".json"

// FileStore keeps one file per key in a directory. Writes go through a temp file and a rename.
type FileStore struct {
	dir string
	os  internal.OsProxy
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	return newFileStore(dir, internal.RealOS{})
}

func newFileStore(dir string, osProxy internal.OsProxy) (*FileStore, error) {
	if err := osProxy.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create resume dir: %w", err)
	}
	return &FileStore{dir: dir, os: osProxy}, nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	data, err := s.os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	tmp, err := s.os.CreateTemp(s.dir, ".resume-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = s.os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := s.os.Rename(tmpName, s.path(key)); err != nil {
		_ = s.os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	err := s.os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := s.os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read resume dir: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		if key := string(decoded); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileSuffix)
}
