package render

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bobarin/reelworks/internal/models"
)

const DefaultOperationLogCapacity = 500

// OperationEntry is the last known status of one provider operation.
type OperationEntry struct {
	Name      string                 `json:"name"`
	Status    models.OperationStatus `json:"status"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// OperationLog remembers recent operations for diagnostics.
type OperationLog interface {
	Record(name string, status models.OperationStatus)
	Entries() []OperationEntry
}

// LRUOperationLog keeps a fixed number of entries and evicts the least
// recently recorded one first.
type LRUOperationLog struct {
	cache *lru.Cache[string, OperationEntry]
	now   func() time.Time
}

var _ OperationLog = (*LRUOperationLog)(nil)

func NewLRUOperationLog(capacity int) (*LRUOperationLog, error) {
	if capacity <= 0 {
		capacity = DefaultOperationLogCapacity
	}
	cache, err := lru.New[string, OperationEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation log: %w", err)
	}
	return &LRUOperationLog{cache: cache, now: time.Now}, nil
}

func (l *LRUOperationLog) Record(name string, status models.OperationStatus) {
	if name == "" {
		return
	}
	l.cache.Add(name, OperationEntry{Name: name, Status: status, UpdatedAt: l.now()})
}

// Entries returns the log newest first.
func (l *LRUOperationLog) Entries() []OperationEntry {
	keys := l.cache.Keys()
	entries := make([]OperationEntry, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if entry, ok := l.cache.Peek(keys[i]); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (l *LRUOperationLog) Len() int {
	return l.cache.Len()
}
