package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultNamespace prefixes every key written by a Journal.
const DefaultNamespace = "QINIU_UPLOAD::"

// State is the checkpoint of a block-wise upload.
// Pointer is the absolute end offset of the last acknowledged chunk.
type State struct {
	Pointer   int64    `json:"pointer"`
	Contexts  []string `json:"ctxList"`
	Context   string   `json:"ctx,omitempty"`
	Size      int64    `json:"size,omitempty"`
	BlockSize int64    `json:"blockSize,omitempty"`
}

// Journal stores State records as JSON under a namespace.
type Journal struct {
	store     Store
	namespace string
	limit     int
	logger    log.Logger
}

// NewJournal creates a Journal. A limit of 0 disables the record size check.
func NewJournal(store Store, namespace string, limit int, logger log.Logger) *Journal {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Journal{
		store:     store,
		namespace: namespace,
		limit:     limit,
		logger:    logger,
	}
}

// Namespace returns the key prefix.
func (j *Journal) Namespace() string {
	return j.namespace
}

// Load returns the saved state for id. Missing, unreadable and corrupt entries
// all yield (zero State, false); Load never fails an upload.
func (j *Journal) Load(ctx context.Context, id string) (State, bool) {
	value, err := j.store.Get(ctx, j.key(id))
	if errors.Is(err, ErrNotFound) {
		return State{}, false
	}
	if err != nil {
		j.logger.Warnf("Failed to read resume state for %s, starting over: %s", id, err)
		return State{}, false
	}

	var state State
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		j.logger.Warnf("Corrupt resume state for %s, starting over: %s", id, err)
		return State{}, false
	}
	if state.Pointer < 0 {
		j.logger.Warnf("Corrupt resume state for %s (pointer %d), starting over", id, state.Pointer)
		return State{}, false
	}

	return state, true
}

// Save writes the state for id.
func (j *Journal) Save(ctx context.Context, id string, state State) error {
	if state.Contexts == nil {
		state.Contexts = []string{}
	}

	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode resume state: %w", err)
	}
	if j.limit > 0 && len(value) > j.limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrStateTooLarge, len(value), j.limit)
	}

	if err := j.store.Set(ctx, j.key(id), string(value)); err != nil {
		return fmt.Errorf("save resume state: %w", err)
	}
	return nil
}

// Clear removes the state for id.
func (j *Journal) Clear(ctx context.Context, id string) error {
	if err := j.store.Remove(ctx, j.key(id)); err != nil {
		return fmt.Errorf("clear resume state: %w", err)
	}
	return nil
}

// ClearAll removes every state in the namespace.
func (j *Journal) ClearAll(ctx context.Context) error {
	keys, err := j.store.Keys(ctx, j.namespace)
	if err != nil {
		return fmt.Errorf("list resume states: %w", err)
	}

	for _, key := range keys {
		if err := j.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("clear resume state %s: %w", strings.TrimPrefix(key, j.namespace), err)
		}
	}
	return nil
}

func (j *Journal) key(id string) string {
	return j.namespace + id
}
