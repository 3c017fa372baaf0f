// Package progress turns a byte pointer and an upload stage into a normalized
// 0-100 progress reading.
package progress

import (
	"math"
	"sync"
)

// Stage names a step of the upload protocol.
type Stage string

// Stages in the only valid order. Single-shot uploads use StageUpload instead of the block stages.
const (
	StageInit      Stage = "init"
	StageKey       Stage = "key"
	StageAccessKey Stage = "access:key"
	StageMakeBlock Stage = "upload:mkblock"
	StagePutChunk  Stage = "upload:bput"
	StageMakeFile  Stage = "upload:mkfile"
	StageUpload    Stage = "upload"
	StageUploaded  Stage = "uploaded"
)

func (s Stage) baseValue() int {
	switch s {
	case StageAccessKey, StageMakeBlock, StagePutChunk, StageMakeFile:
		return 10
	case StageUpload, StageUploaded:
		return 20
	default:
		return 0
	}
}

// Reading is an immutable progress snapshot.
type Reading struct {
	Stage         Stage
	Value         int
	BlockIndex    int64
	BytesUploaded int64
	BytesTotal    int64
}

// Func receives readings. It is called synchronously from the upload goroutine.
type Func func(Reading)

// Model tracks the current stage and pointer of one upload.
type Model struct {
	total     int64
	blockSize int64

	mu      sync.Mutex
	stage   Stage
	pointer int64
}

// NewModel creates a Model for an upload of total bytes split into blockSize blocks.
func NewModel(total, blockSize int64) *Model {
	return &Model{
		total:     total,
		blockSize: blockSize,
		stage:     StageInit,
	}
}

// Stage switches to stage, keeping the pointer.
func (m *Model) Stage(stage Stage) Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stage = stage
	return m.reading()
}

// Advance moves the pointer within the current stage.
func (m *Model) Advance(pointer int64) Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pointer = pointer
	return m.reading()
}

// Set switches stage and pointer at once.
func (m *Model) Set(stage Stage, pointer int64) Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stage = stage
	m.pointer = pointer
	return m.reading()
}

// Reading returns the current snapshot.
func (m *Model) Reading() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reading()
}

func (m *Model) reading() Reading {
	return Reading{
		Stage:         m.stage,
		Value:         Value(m.stage, m.pointer, m.total),
		BlockIndex:    BlockIndex(m.pointer, m.total, m.blockSize),
		BytesUploaded: m.pointer,
		BytesTotal:    m.total,
	}
}

// Value is round(pointer/total*80) plus the stage's base offset. Only StageUploaded reaches 100.
func Value(stage Stage, pointer, total int64) int {
	if stage == StageUploaded {
		return 100
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(pointer) / float64(total)
	}

	v := int(math.Round(ratio*80)) + stage.baseValue()
	if v < 0 {
		v = 0
	}
	if v > 99 {
		v = 99
	}
	return v
}

// BlockIndex is 1 for single-block content, otherwise ceil(pointer/blockSize).
func BlockIndex(pointer, total, blockSize int64) int64 {
	if total <= blockSize || blockSize <= 0 {
		return 1
	}
	return (pointer + blockSize - 1) / blockSize
}
