package eventlog

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

// MemoryLog keeps encoded events in process memory. Writers of one
// aggregate serialize on that aggregate's stream lock only.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*memoryStream
	records [][]byte
}

type memoryStream struct {
	mu        sync.Mutex
	positions []int
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: map[uuid.UUID]*memoryStream{}}
}

func (l *MemoryLog) stream(aggregateID uuid.UUID) *memoryStream {
	l.mu.RLock()
	s, ok := l.streams[aggregateID]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.streams[aggregateID]; ok {
		return s
	}
	s = &memoryStream{}
	l.streams[aggregateID] = s
	return s
}

func (l *MemoryLog) Append(ctx context.Context, events []contracts.Event, expectedPriorVersion int64) error {
	if err := ValidateBatch(events, expectedPriorVersion); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeBatch(events)
	if err != nil {
		return err
	}

	aggregateID := events[0].AggregateID
	s := l.stream(aggregateID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if actual := int64(len(s.positions)) - 1; actual != expectedPriorVersion {
		return conflict(aggregateID, expectedPriorVersion, actual)
	}

	l.mu.Lock()
	for _, data := range encoded {
		l.records = append(l.records, data)
		s.positions = append(s.positions, len(l.records)-1)
	}
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) Load(ctx context.Context, aggregateID uuid.UUID) ([]contracts.Event, error) {
	return l.LoadAfter(ctx, aggregateID, -1)
}

func (l *MemoryLog) LoadAfter(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]contracts.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[aggregateID]
	if !ok {
		return nil, nil
	}
	start := afterVersion + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(s.positions)) {
		return nil, nil
	}
	out := make([]contracts.Event, 0, int64(len(s.positions))-start)
	for _, pos := range s.positions[start:] {
		ev, err := contracts.Decode(l.records[pos])
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *MemoryLog) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.streams[aggregateID]
	if !ok {
		return -1, nil
	}
	return int64(len(s.positions)) - 1, nil
}

// Scan returns events in global append order. Positions start at 1.
func (l *MemoryLog) Scan(ctx context.Context, afterPosition int64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	if afterPosition < 0 {
		afterPosition = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if afterPosition >= int64(len(l.records)) {
		return nil, nil
	}
	end := afterPosition + int64(limit)
	if end > int64(len(l.records)) {
		end = int64(len(l.records))
	}
	out := make([]Entry, 0, end-afterPosition)
	for i := afterPosition; i < end; i++ {
		ev, err := contracts.Decode(l.records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Position: i + 1, Event: ev})
	}
	return out, nil
}
