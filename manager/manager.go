// Package manager keeps independent upload state per file key: it registers blobs
// under their content identifier, runs and cancels their uploads and reports every
// change through hooks.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-blockupload/blob"
	"github.com/bitrise-io/go-blockupload/etag"
	"github.com/bitrise-io/go-blockupload/progress"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-blockupload/upload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

var (
	// ErrUnknownFile is returned for keys that were never added or were removed.
	ErrUnknownFile = errors.New("unknown file key")
	// ErrBusy is returned when a file is already uploading.
	ErrBusy = errors.New("file is already uploading")
)

// File is a snapshot of one managed file.
type File struct {
	Key        string
	Name       string
	Size       int64
	BlockCount int64
	State      upload.State
	Uploading  bool
	Progress   progress.Reading
	Result     *upload.Result
	Err        error
}

// Hooks are optional callbacks. They run on the goroutine that caused the change.
type Hooks struct {
	// OnValid can reject a file before it is added.
	OnValid func(name string, b blob.Blob) error
	// OnChanged receives every state change and progress reading.
	OnChanged func(File)
	// OnUploaded runs after a successful upload.
	OnUploaded func(File)
	// OnFail runs after a failed or cancelled upload.
	OnFail func(f File, err error, isCancel bool)
}

// Params ...
type Params struct {
	Uploader *upload.Uploader
	Hooks    Hooks
	// Tracker receives upload events. Optional.
	Tracker analytics.Tracker
	Logger  log.Logger
}

type entry struct {
	file   File
	blob   blob.Blob
	cancel context.CancelFunc
	// done is closed once the running upload stopped touching the journal.
	done chan struct{}
}

// Manager ...
type Manager struct {
	uploader *upload.Uploader
	hooks    Hooks
	tracker  analytics.Tracker
	logger   log.Logger

	mu    sync.Mutex
	files map[string]*entry
	order []string
}

// New creates a Manager.
func New(p Params) *Manager {
	return &Manager{
		uploader: p.Uploader,
		hooks:    p.Hooks,
		tracker:  p.Tracker,
		logger:   p.Logger,
		files:    map[string]*entry{},
	}
}

// Add registers b and returns its file key. Adding the same content twice returns the same key.
func (m *Manager) Add(ctx context.Context, name string, b blob.Blob) (string, error) {
	if m.hooks.OnValid != nil {
		if err := m.hooks.OnValid(name, b); err != nil {
			return "", fmt.Errorf("validate %s: %w", name, err)
		}
	}

	blockSize := m.uploader.Config().BlockSize
	key, err := etag.Compute(ctx, b, blockSize)
	if err != nil {
		return "", fmt.Errorf("compute key of %s: %w", name, err)
	}

	m.mu.Lock()
	e, exists := m.files[key]
	if !exists {
		e = &entry{
			file: File{
				Key:        key,
				Name:       name,
				Size:       b.Size(),
				BlockCount: etag.BlockCount(b.Size(), blockSize),
				State:      upload.StateInit,
				Progress:   progress.NewModel(b.Size(), blockSize).Reading(),
			},
			blob: b,
		}
		m.files[key] = e
		m.order = append(m.order, key)
	}
	snapshot := e.file
	m.mu.Unlock()

	if !exists {
		m.logger.Debugf("Added %s as %s", name, key)
		m.changed(snapshot)
	}
	return key, nil
}

// Get returns the file registered under key.
func (m *Manager) Get(key string) (File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.files[key]
	if !ok {
		return File{}, false
	}
	return e.file, true
}

// List returns all files in the order they were added.
func (m *Manager) List() []File {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make([]File, 0, len(m.order))
	for _, key := range m.order {
		files = append(files, m.files[key].file)
	}
	return files
}

// Upload runs the upload of key. An empty token uses the uploader's configured token.
func (m *Manager) Upload(ctx context.Context, key, token string) (*upload.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	e, ok := m.files[key]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownFile
	}
	if e.file.Uploading {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.file.Uploading = true
	e.file.Err = nil
	e.file.Result = nil
	b := e.blob
	name := e.file.Name
	m.mu.Unlock()

	start := time.Now()
	result, err := m.uploader.Upload(ctx, upload.Params{
		Blob:     b,
		Token:    token,
		FileName: name,
		OnProgress: func(r progress.Reading) {
			m.update(key, func(f *File) { f.Progress = r })
		},
		OnState: func(s upload.State) {
			m.update(key, func(f *File) { f.State = s })
		},
	})
	close(done)

	snapshot, _ := m.finish(key, result, err)
	if err != nil {
		isCancel := transport.IsCancel(err)
		m.track("file_failed", snapshot, time.Since(start), analytics.Properties{"cancelled": isCancel})
		if m.hooks.OnFail != nil {
			m.hooks.OnFail(snapshot, err, isCancel)
		}
		return nil, err
	}

	m.track("file_uploaded", snapshot, time.Since(start), analytics.Properties{"resumed_from": result.ResumedFrom})
	if m.hooks.OnUploaded != nil {
		m.hooks.OnUploaded(snapshot)
	}
	return result, nil
}

// Cancel aborts the in-flight request of key. The resume state is kept.
func (m *Manager) Cancel(key string) bool {
	m.mu.Lock()
	e, ok := m.files[key]
	if !ok || e.cancel == nil {
		m.mu.Unlock()
		return false
	}
	e.cancel()
	e.cancel = nil
	m.mu.Unlock()

	m.logger.Infof("Cancelled upload of %s", key)
	return true
}

// Remove cancels key, waits for its upload to stop, then clears its resume state and forgets it.
func (m *Manager) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.files[key]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownFile
	}
	done := e.stop()
	delete(m.files, key)
	m.order = removeKey(m.order, key)
	m.mu.Unlock()

	if err := waitStopped(ctx, done); err != nil {
		return err
	}
	return m.uploader.Journal().Clear(ctx, key)
}

// Clean cancels every upload, waits for them to stop, clears every resume state in the
// namespace and forgets all files.
func (m *Manager) Clean(ctx context.Context) error {
	m.mu.Lock()
	var done []chan struct{}
	for _, e := range m.files {
		if d := e.stop(); d != nil {
			done = append(done, d)
		}
	}
	m.files = map[string]*entry{}
	m.order = nil
	m.mu.Unlock()

	if err := waitStopped(ctx, done...); err != nil {
		return err
	}
	return m.uploader.Journal().ClearAll(ctx)
}

// Wait flushes pending analytics events.
func (m *Manager) Wait() {
	if m.tracker != nil {
		m.tracker.Wait()
	}
}

func (m *Manager) update(key string, fn func(*File)) {
	m.mu.Lock()
	e, ok := m.files[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	fn(&e.file)
	snapshot := e.file
	m.mu.Unlock()

	m.changed(snapshot)
}

func (m *Manager) finish(key string, result *upload.Result, err error) (File, bool) {
	m.mu.Lock()
	e, ok := m.files[key]
	if !ok {
		m.mu.Unlock()
		return File{Key: key, Err: err, Result: result}, false
	}
	e.cancel = nil
	e.file.Uploading = false
	e.file.Result = result
	if err != nil && !transport.IsCancel(err) {
		e.file.Err = err
	}
	snapshot := e.file
	m.mu.Unlock()

	m.changed(snapshot)
	return snapshot, true
}

func (m *Manager) changed(f File) {
	if m.hooks.OnChanged != nil {
		m.hooks.OnChanged(f)
	}
}

func (m *Manager) track(event string, f File, took time.Duration, extra analytics.Properties) {
	if m.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     took.Truncate(time.Second).Seconds(),
		"upload_size_bytes": f.Size,
		"block_count":       f.BlockCount,
		"state":             f.State.String(),
	}
	for k, v := range extra {
		properties[k] = v
	}
	m.tracker.Enqueue(event, properties)
}

// stop cancels the running upload and returns the channel closed when it returns. Callers hold m.mu.
func (e *entry) stop() chan struct{} {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return e.done
}

func waitStopped(ctx context.Context, done ...chan struct{}) error {
	for _, d := range done {
		if d == nil {
			continue
		}
		select {
		case <-d:
		case <-ctx.Done():
			return fmt.Errorf("wait for upload to stop: %w", ctx.Err())
		}
	}
	return nil
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
