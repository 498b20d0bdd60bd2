package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const defaultMemoryBudgetBytes = 64 << 20

// InMemoryTranscriptStore is the default TranscriptStore: per-conversation
// entity maps with a global byte budget. When the budget is exceeded, whole
// conversations are evicted oldest-activity first; the conversation being
// written is never the victim.
type InMemoryTranscriptStore struct {
	mu          sync.Mutex
	budgetBytes int64
	totalBytes  int64
	convs       map[string]*memTranscript
}

type memTranscript struct {
	version        uint64
	entities       map[string]TranscriptEntity
	entityVersion  map[string]uint64
	bytes          int64
	lastActivityMs int64
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(budgetBytes int64) *InMemoryTranscriptStore {
	if budgetBytes <= 0 {
		budgetBytes = defaultMemoryBudgetBytes
	}
	return &InMemoryTranscriptStore{
		budgetBytes: budgetBytes,
		convs:       map[string]*memTranscript{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func entityBytes(e TranscriptEntity) int64 {
	return int64(len(e.ID) + len(e.Kind) + len(e.Props) + 48)
}

func (s *InMemoryTranscriptStore) Upsert(_ context.Context, convID string, version uint64, entity TranscriptEntity) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	if convID == "" {
		return errors.New("in-memory transcript store: convID is empty")
	}
	if version == 0 {
		return errors.New("in-memory transcript store: version is 0")
	}
	if entity.ID == "" {
		return errors.New("in-memory transcript store: entity.id is empty")
	}
	if entity.Kind == "" {
		return errors.New("in-memory transcript store: entity.kind is empty")
	}

	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if conv == nil {
		conv = &memTranscript{
			entities:      map[string]TranscriptEntity{},
			entityVersion: map[string]uint64{},
		}
		s.convs[convID] = conv
	}

	if existing, ok := conv.entities[entity.ID]; ok {
		delta := entityBytes(existing)
		conv.bytes -= delta
		s.totalBytes -= delta
		if existing.CreatedAtMs > 0 {
			entity.CreatedAtMs = existing.CreatedAtMs
		}
	}
	if entity.CreatedAtMs == 0 {
		entity.CreatedAtMs = now
	}
	entity.UpdatedAtMs = now

	conv.entities[entity.ID] = entity
	conv.entityVersion[entity.ID] = version
	if version > conv.version {
		conv.version = version
	}
	conv.lastActivityMs = now
	delta := entityBytes(entity)
	conv.bytes += delta
	s.totalBytes += delta

	s.evictLocked(convID)
	return nil
}

// evictLocked drops oldest-activity conversations until the budget holds.
func (s *InMemoryTranscriptStore) evictLocked(protect string) {
	for s.totalBytes > s.budgetBytes {
		victim := ""
		oldest := int64(0)
		for id, conv := range s.convs {
			if id == protect {
				continue
			}
			if victim == "" || conv.lastActivityMs < oldest {
				victim = id
				oldest = conv.lastActivityMs
			}
		}
		if victim == "" {
			return
		}
		s.totalBytes -= s.convs[victim].bytes
		delete(s.convs, victim)
	}
}

func (s *InMemoryTranscriptStore) GetSnapshot(_ context.Context, convID string, sinceVersion uint64, limit int) (*TranscriptSnapshot, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if convID == "" {
		return nil, errors.New("in-memory transcript store: convID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if conv == nil {
		return &TranscriptSnapshot{
			ConvID:       convID,
			Version:      0,
			ServerTimeMs: time.Now().UnixMilli(),
		}, nil
	}

	type pair struct {
		entity  TranscriptEntity
		version uint64
	}
	pairs := make([]pair, 0, len(conv.entities))
	for id, e := range conv.entities {
		v := conv.entityVersion[id]
		if sinceVersion > 0 && v <= sinceVersion {
			continue
		}
		pairs = append(pairs, pair{entity: e, version: v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].version == pairs[j].version {
			return pairs[i].entity.ID < pairs[j].entity.ID
		}
		return pairs[i].version < pairs[j].version
	})
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}

	entities := make([]TranscriptEntity, 0, len(pairs))
	for _, p := range pairs {
		entities = append(entities, p.entity)
	}
	return &TranscriptSnapshot{
		ConvID:       convID,
		Version:      conv.version,
		ServerTimeMs: time.Now().UnixMilli(),
		Entities:     entities,
	}, nil
}
