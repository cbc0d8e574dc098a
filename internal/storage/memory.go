package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process Adapter. It backs tests and single-node setups
// where durability is not required.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record // key: kind + "\x00" + id
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func memKey(kind, id string) string {
	return kind + "\x00" + id
}

func (m *Memory) Get(ctx context.Context, kind, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[memKey(kind, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	return &cp, nil
}

func (m *Memory) Put(ctx context.Context, kind, id string, data []byte, expectVersion int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(kind, id)
	cur, exists := m.records[key]
	switch {
	case expectVersion == 0 && exists:
		return nil, ErrVersionConflict
	case expectVersion != 0 && !exists:
		return nil, ErrNotFound
	case expectVersion != 0 && cur.Version != expectVersion:
		return nil, ErrVersionConflict
	}

	next := &Record{
		Kind:      kind,
		ID:        id,
		Version:   expectVersion + 1,
		Data:      append([]byte(nil), data...),
		UpdatedAt: time.Now().UTC(),
	}
	m.records[key] = next
	cp := *next
	cp.Data = append([]byte(nil), next.Data...)
	return &cp, nil
}

func (m *Memory) Delete(ctx context.Context, kind, id string, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(kind, id)
	cur, exists := m.records[key]
	if !exists {
		return ErrNotFound
	}
	if expectVersion != 0 && cur.Version != expectVersion {
		return ErrVersionConflict
	}
	delete(m.records, key)
	return nil
}

func (m *Memory) List(ctx context.Context, kind, prefix string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	kp := kind + "\x00"
	for key, rec := range m.records {
		if !strings.HasPrefix(key, kp) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(rec.ID, prefix) {
			continue
		}
		cp := *rec
		cp.Data = append([]byte(nil), rec.Data...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
