package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue(t *testing.T) {
	tests := []struct {
		name    string
		stage   Stage
		pointer int64
		total   int64
		want    int
	}{
		{name: "init", stage: StageInit, pointer: 0, total: 100, want: 0},
		{name: "key", stage: StageKey, pointer: 0, total: 100, want: 0},
		{name: "access key", stage: StageAccessKey, pointer: 0, total: 100, want: 10},
		{name: "resumed access key", stage: StageAccessKey, pointer: 50, total: 100, want: 50},
		{name: "mkblock halfway", stage: StageMakeBlock, pointer: 50, total: 100, want: 50},
		{name: "bput rounding", stage: StagePutChunk, pointer: 1, total: 3, want: 37},
		{name: "mkfile", stage: StageMakeFile, pointer: 100, total: 100, want: 90},
		{name: "single upload halfway", stage: StageUpload, pointer: 50, total: 100, want: 60},
		{name: "single upload capped below 100", stage: StageUpload, pointer: 100, total: 100, want: 99},
		{name: "uploaded", stage: StageUploaded, pointer: 100, total: 100, want: 100},
		{name: "empty content uploading", stage: StageUpload, pointer: 0, total: 0, want: 20},
		{name: "empty content uploaded", stage: StageUploaded, pointer: 0, total: 0, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Value(tt.stage, tt.pointer, tt.total))
		})
	}
}

func TestValue_MonotonicWithinStage(t *testing.T) {
	total := int64(10 << 20)
	for _, stage := range []Stage{StageMakeBlock, StagePutChunk, StageUpload} {
		prev := -1
		for pointer := int64(0); pointer <= total; pointer += 1 << 16 {
			v := Value(stage, pointer, total)
			assert.GreaterOrEqual(t, v, prev, "stage %s pointer %d", stage, pointer)
			prev = v
		}
	}
}

func TestValue_IncreasesAcrossStages(t *testing.T) {
	total := int64(1000)
	steps := []struct {
		stage   Stage
		pointer int64
	}{
		{StageInit, 0},
		{StageAccessKey, 0},
		{StageMakeBlock, 250},
		{StagePutChunk, 500},
		{StageMakeBlock, 750},
		{StageMakeFile, 1000},
		{StageUploaded, 1000},
	}

	prev := -1
	for _, s := range steps {
		v := Value(s.stage, s.pointer, total)
		assert.Greater(t, v, prev, "stage %s", s.stage)
		prev = v
	}
}

func TestBlockIndex(t *testing.T) {
	assert.Equal(t, int64(1), BlockIndex(0, 4, 4))
	assert.Equal(t, int64(1), BlockIndex(4, 4, 4))
	assert.Equal(t, int64(0), BlockIndex(0, 10, 4))
	assert.Equal(t, int64(1), BlockIndex(3, 10, 4))
	assert.Equal(t, int64(1), BlockIndex(4, 10, 4))
	assert.Equal(t, int64(2), BlockIndex(5, 10, 4))
	assert.Equal(t, int64(3), BlockIndex(10, 10, 4))
}

func TestModel(t *testing.T) {
	m := NewModel(100, 40)

	r := m.Reading()
	assert.Equal(t, StageInit, r.Stage)
	assert.Equal(t, 0, r.Value)

	r = m.Stage(StageAccessKey)
	assert.Equal(t, 10, r.Value)

	r = m.Set(StageMakeBlock, 40)
	assert.Equal(t, Reading{Stage: StageMakeBlock, Value: 42, BlockIndex: 1, BytesUploaded: 40, BytesTotal: 100}, r)

	r = m.Advance(60)
	assert.Equal(t, StageMakeBlock, r.Stage)
	assert.Equal(t, int64(2), r.BlockIndex)
	assert.Equal(t, 58, r.Value)

	r = m.Stage(StageUploaded)
	assert.Equal(t, 100, r.Value)
	assert.Equal(t, int64(60), r.BytesUploaded)
}
