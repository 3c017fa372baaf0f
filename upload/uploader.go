// Package upload drives one blob through the resumable block upload protocol.
//
// Blobs up to one block are sent in a single form post. Larger blobs are sent
// chunk by chunk: the first chunk of every block creates the block, later chunks
// append to it, and a final call assembles the object from the block contexts.
// After every acknowledged chunk the checkpoint is written to the resume journal,
// so running Upload again with the same content continues where it stopped.
package upload

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/bitrise-io/go-blockupload/blob"
	"github.com/bitrise-io/go-blockupload/etag"
	"github.com/bitrise-io/go-blockupload/progress"
	"github.com/bitrise-io/go-blockupload/resume"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// API is the remote side of the protocol. *transport.Client implements it.
type API interface {
	MakeBlock(ctx context.Context, p transport.MakeBlockParams) (transport.BlockResult, error)
	PutChunk(ctx context.Context, p transport.PutChunkParams) (transport.BlockResult, error)
	MakeFile(ctx context.Context, p transport.MakeFileParams) (transport.Result, error)
	UploadForm(ctx context.Context, p transport.FormParams) (transport.Result, error)
}

// Params describes one upload.
type Params struct {
	Blob blob.Blob
	// Token overrides Config.Token when set.
	Token string
	// FileName is sent with single-shot uploads.
	FileName string
	// OnProgress receives every progress reading. Calls never overlap.
	OnProgress progress.Func
	// OnState receives every state transition.
	OnState func(State)
}

// Result is returned by a successful upload.
type Result struct {
	// Key is the content identifier, also used as the resume key.
	Key string
	// ObjectKey is the key form of the identifier sent to the finalize call.
	ObjectKey string
	Size      int64
	Blocks    int64
	// ResumedFrom is the pointer a previous attempt had reached, 0 for fresh uploads.
	ResumedFrom int64
	// Chunks is the number of chunks acknowledged during this call.
	Chunks int64
	// Throughput is the acknowledged bytes per second of request time during this call.
	Throughput float64
	Response   transport.Result
}

// Uploader uploads blobs sequentially, one chunk in flight at a time.
// One Uploader can serve concurrent Upload calls for different blobs.
type Uploader struct {
	config  Config
	api     API
	journal *resume.Journal
	logger  log.Logger
	stats   *Stats
}

// New creates an Uploader talking HTTP to config.BaseURL.
// A nil journal keeps resume state in memory only.
func New(config Config, journal *resume.Journal, logger log.Logger) (*Uploader, error) {
	client := transport.NewClient(transport.ClientParams{
		BaseURL:        config.BaseURL,
		RetryMax:       config.RetryMax,
		BandwidthLimit: config.BandwidthLimit,
	}, logger)
	return NewWithAPI(config, client, journal, logger)
}

// NewWithAPI creates an Uploader with a custom API implementation.
func NewWithAPI(config Config, api API, journal *resume.Journal, logger log.Logger) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if journal == nil {
		journal = resume.NewJournal(resume.NewMemory(), resume.DefaultNamespace, 0, logger)
	}
	return &Uploader{
		config:  config,
		api:     api,
		journal: journal,
		logger:  logger,
		stats:   NewStats(),
	}, nil
}

// Stats returns the request statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Journal returns the resume journal.
func (u *Uploader) Journal() *resume.Journal {
	return u.journal
}

// Config returns the configuration.
func (u *Uploader) Config() Config {
	return u.config
}

// Upload sends p.Blob. Cancelling ctx aborts the request in flight and returns a
// *transport.CancelError; the last checkpoint stays in the journal.
func (u *Uploader) Upload(ctx context.Context, p Params) (*Result, error) {
	if p.Blob == nil {
		return nil, fmt.Errorf("no blob to upload")
	}

	s := &session{
		Uploader: u,
		params:   p,
		size:     p.Blob.Size(),
		token:    p.Token,
		progress: progress.NewModel(p.Blob.Size(), u.config.BlockSize),
		chunks:   NewStats(),
		state:    StateInit,
	}
	if s.token == "" {
		s.token = u.config.Token
	}

	s.emit(progress.StageInit, 0)

	var result *Result
	var err error
	if s.size > u.config.BlockSize {
		result, err = s.uploadBlocks(ctx)
	} else {
		result, err = s.uploadSingle(ctx)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !transport.IsCancel(err) && errors.Is(err, ctxErr) {
			err = &transport.CancelError{Err: ctxErr}
		}
		if transport.IsCancel(err) {
			u.logger.Warnf("Upload cancelled in state %s", s.state)
			s.transition(StateCancelled)
		} else {
			u.logger.Errorf("Upload failed in state %s: %s", s.state, err)
			s.transition(StateFailed)
		}
		return nil, err
	}

	return result, nil
}

type session struct {
	*Uploader
	params   Params
	size     int64
	token    string
	progress *progress.Model
	// chunks only counts this upload, stats is shared by the Uploader.
	chunks *Stats

	mu    sync.Mutex
	state State
	// call identifies the request whose transport ticks are still accepted.
	call int
}

func (s *session) uploadSingle(ctx context.Context) (*Result, error) {
	s.transition(StateComputingKey)
	s.emit(progress.StageKey, 0)

	crc, err := etag.CRC32(s.params.Blob)
	if err != nil {
		return nil, fmt.Errorf("compute crc32: %w", err)
	}
	id, err := etag.Compute(ctx, s.params.Blob, s.config.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("compute key: %w", err)
	}
	s.logger.Debugf("Key: %s, crc32: %d", id, crc)

	s.transition(StateSingleUpload)
	data, err := blob.Section(s.params.Blob, 0, s.size)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	s.logger.Infof("Uploading %s in a single request", units.HumanSizeWithPrecision(float64(s.size), 3))
	s.emit(progress.StageUpload, 0)
	resp, err := s.api.UploadForm(ctx, transport.FormParams{
		Token:      s.token,
		Key:        id,
		FileName:   s.params.FileName,
		CRC32:      crc,
		Data:       data,
		OnProgress: s.ticker(progress.StageUpload, 0, s.size),
	})
	s.endCall()
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	s.transition(StateUploaded)
	s.emit(progress.StageUploaded, s.size)
	s.logger.Donef("Uploaded %s as %s", units.HumanSizeWithPrecision(float64(s.size), 3), id)

	return &Result{
		Key:       id,
		ObjectKey: etag.ObjectKey(id),
		Size:      s.size,
		Blocks:    etag.BlockCount(s.size, s.config.BlockSize),
		Response:  resp,
	}, nil
}

func (s *session) uploadBlocks(ctx context.Context) (*Result, error) {
	s.transition(StateComputingKey)
	s.emit(progress.StageKey, 0)

	id, err := etag.Compute(ctx, s.params.Blob, s.config.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("compute key: %w", err)
	}
	s.logger.Debugf("Key: %s", id)

	checkpoint := s.loadCheckpoint(ctx, id)
	resumedFrom := checkpoint.Pointer
	blocks := etag.BlockCount(s.size, s.config.BlockSize)

	s.transition(StateChunkLoop)
	s.emit(progress.StageAccessKey, checkpoint.Pointer)
	if resumedFrom > 0 {
		s.logger.Infof("Resuming upload at %s of %s (%d/%d blocks committed)",
			units.HumanSizeWithPrecision(float64(resumedFrom), 3),
			units.HumanSizeWithPrecision(float64(s.size), 3),
			len(checkpoint.Contexts), blocks)
	} else {
		s.logger.Infof("Uploading %s in %d blocks", units.HumanSizeWithPrecision(float64(s.size), 3), blocks)
	}

	for checkpoint.Pointer < s.size {
		if err := ctx.Err(); err != nil {
			return nil, &transport.CancelError{Err: err}
		}

		block := NextBlock(s.params.Blob, s.config.BlockSize, checkpoint.Pointer)
		chunk := NextChunk(s.params.Blob, s.config.ChunkSize, checkpoint.Pointer)
		payload, err := chunk.Payload(s.params.Blob)
		if err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}

		start := time.Now()
		var stage progress.Stage
		var resp transport.BlockResult
		if block.IsBlockStart {
			stage = progress.StageMakeBlock
			s.emit(stage, checkpoint.Pointer)
			resp, err = s.api.MakeBlock(ctx, transport.MakeBlockParams{
				Token:      s.token,
				BlockSize:  block.Size,
				Chunk:      payload,
				OnProgress: s.ticker(stage, chunk.Start, chunk.Len()),
			})
		} else {
			stage = progress.StagePutChunk
			s.emit(stage, checkpoint.Pointer)
			resp, err = s.api.PutChunk(ctx, transport.PutChunkParams{
				Token:      s.token,
				Context:    checkpoint.Context,
				Offset:     block.Offset,
				Chunk:      payload,
				OnProgress: s.ticker(stage, chunk.Start, chunk.Len()),
			})
		}
		s.endCall()
		if err != nil {
			return nil, fmt.Errorf("upload chunk [%d, %d): %w", chunk.Start, chunk.End, err)
		}

		took := time.Since(start)
		s.stats.Update(took, chunk.Len())
		s.chunks.Update(took, chunk.Len())
		s.logger.Debugf("Chunk [%d, %d) acknowledged in %v [avg=%v]",
			chunk.Start, chunk.End, took.Round(time.Millisecond), s.chunks.Average().Round(time.Millisecond))

		checkpoint.Context = resp.Context
		if IsBlockBoundary(s.params.Blob, s.config.BlockSize, chunk.End) {
			checkpoint.Contexts = append(checkpoint.Contexts, checkpoint.Context)
		}
		checkpoint.Pointer = chunk.End
		s.saveCheckpoint(ctx, id, checkpoint)

		s.emit(stage, checkpoint.Pointer)
	}

	s.transition(StateFinalizing)
	s.emit(progress.StageMakeFile, s.size)
	if err := ctx.Err(); err != nil {
		return nil, &transport.CancelError{Err: err}
	}

	objectKey := etag.ObjectKey(id)
	resp, err := s.api.MakeFile(ctx, transport.MakeFileParams{
		Token:    s.token,
		Key:      objectKey,
		Size:     s.size,
		Contexts: checkpoint.Contexts,
	})
	if err != nil {
		return nil, fmt.Errorf("make file: %w", err)
	}

	if err := s.journal.Clear(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warnf("Failed to clear resume state for %s: %s", id, err)
	}

	s.transition(StateUploaded)
	s.emit(progress.StageUploaded, s.size)
	s.logger.Donef("Uploaded %s as %s (%d blocks, %s/s)",
		units.HumanSizeWithPrecision(float64(s.size), 3), id, blocks,
		units.HumanSizeWithPrecision(s.chunks.Throughput(), 3))

	return &Result{
		Key:         id,
		ObjectKey:   objectKey,
		Size:        s.size,
		Blocks:      blocks,
		ResumedFrom: resumedFrom,
		Chunks:      s.chunks.FinishedCount(),
		Throughput:  s.chunks.Throughput(),
		Response:    resp,
	}, nil
}

// loadCheckpoint returns the saved checkpoint for id, or the zero checkpoint when
// none exists or it does not describe this blob under the current geometry.
func (s *session) loadCheckpoint(ctx context.Context, id string) resume.State {
	fresh := resume.State{Contexts: []string{}, Size: s.size, BlockSize: s.config.BlockSize}

	saved, ok := s.journal.Load(ctx, id)
	if !ok {
		return fresh
	}
	if reason := s.invalidCheckpoint(saved); reason != "" {
		s.logger.Warnf("Ignoring resume state for %s: %s", id, reason)
		return fresh
	}

	saved.Size = s.size
	saved.BlockSize = s.config.BlockSize
	if saved.Contexts == nil {
		saved.Contexts = []string{}
	}
	return saved
}

func (s *session) invalidCheckpoint(st resume.State) string {
	blockSize := s.config.BlockSize
	switch {
	case st.Size != 0 && st.Size != s.size:
		return fmt.Sprintf("size %d does not match %d", st.Size, s.size)
	case st.BlockSize != 0 && st.BlockSize != blockSize:
		return fmt.Sprintf("block size %d does not match %d", st.BlockSize, blockSize)
	case st.Pointer > s.size:
		return fmt.Sprintf("pointer %d is past the end", st.Pointer)
	}

	committed := st.Pointer / blockSize
	if st.Pointer == s.size {
		committed = etag.BlockCount(s.size, blockSize)
	}
	if int64(len(st.Contexts)) != committed {
		return fmt.Sprintf("%d block contexts for %d committed blocks", len(st.Contexts), committed)
	}

	if within := st.Pointer % blockSize; within != 0 && st.Pointer != s.size {
		if st.Context == "" {
			return "missing context for a partial block"
		}
		if within%s.config.ChunkSize != 0 {
			return fmt.Sprintf("pointer %d is not aligned to chunk size %d", st.Pointer, s.config.ChunkSize)
		}
	}
	return ""
}

// saveCheckpoint persists even when ctx was cancelled right after the acknowledgement.
func (s *session) saveCheckpoint(ctx context.Context, id string, st resume.State) {
	if err := s.journal.Save(context.WithoutCancel(ctx), id, st); err != nil {
		s.logger.Warnf("Failed to save resume state for %s at %d: %s", id, st.Pointer, err)
	}
}

func (s *session) transition(next State) {
	s.mu.Lock()
	if !s.state.CanTransition(next) {
		s.mu.Unlock()
		s.logger.Debugf("Ignoring transition %s -> %s", s.state, next)
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.logger.Debugf("State %s -> %s", prev, next)
	if s.params.OnState != nil {
		s.params.OnState(next)
	}
}

func (s *session) emit(stage progress.Stage, pointer int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.call++
	reading := s.progress.Set(stage, pointer)
	if s.params.OnProgress != nil {
		s.params.OnProgress(reading)
	}
}

// ticker maps request body progress onto [base, base+span) of the blob.
// Ticks arriving after the request returned are dropped.
func (s *session) ticker(stage progress.Stage, base, span int64) transport.ProgressFunc {
	s.mu.Lock()
	call := s.call
	s.mu.Unlock()

	return func(sent, total int64) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.call != call {
			return
		}
		reading := s.progress.Set(stage, base+scale(sent, total, span))
		if s.params.OnProgress != nil {
			s.params.OnProgress(reading)
		}
	}
}

func (s *session) endCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call++
}

// scale returns span*sent/total without overflowing for multi-gigabyte bodies.
func scale(sent, total, span int64) int64 {
	if total <= 0 || sent <= 0 || span <= 0 {
		return 0
	}
	if sent >= total {
		return span
	}
	hi, lo := bits.Mul64(uint64(sent), uint64(span))
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int64(q)
}
