package table

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Store 所有表的註冊處，所有 worker 共享同一個實例
type Store struct {
	mu     sync.RWMutex
	tables map[string]*Table
	seq    atomic.Uint64 // 全域寫入序號
}

// Info 表的摘要資訊
type Info struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Rows      int    `json:"rows"`
	Policy    Policy `json:"policy"`
	Columns   string `json:"columns"`
	Evictions uint64 `json:"evictions"`
}

// NewStore 建立空的 Store
func NewStore() *Store {
	return &Store{tables: make(map[string]*Table)}
}

// CreateTable registers a new table. The schema and capacity are fixed for
// the lifetime of the store.
func (s *Store) CreateTable(name string, schema Schema, capacity int, policy Policy) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty table name", ErrInvalidSchema)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: table %q: capacity must be positive", ErrInvalidSchema, name)
	}
	if len(schema.columns) == 0 {
		return nil, fmt.Errorf("%w: table %q: no columns", ErrInvalidSchema, name)
	}
	if policy == "" {
		policy = PolicyReject
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tables[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTable, name)
	}
	t, err := newTable(name, schema, capacity, policy, &s.seq)
	if err != nil {
		return nil, err
	}
	s.tables[name] = t
	return t, nil
}

// Table looks up a table by name.
func (s *Store) Table(name string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return t, nil
}

func (s *Store) Get(table, key string) (Row, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Get(key)
}

func (s *Store) Put(table, key string, row Row) error {
	t, err := s.Table(table)
	if err != nil {
		return err
	}
	return t.Put(key, row)
}

func (s *Store) Delete(table, key string) error {
	t, err := s.Table(table)
	if err != nil {
		return err
	}
	return t.Delete(key)
}

// Names returns the table names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a summary of every table, sorted by name.
func (s *Store) Describe() []Info {
	names := s.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		t, err := s.Table(name)
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:      t.name,
			Capacity:  t.capacity,
			Rows:      t.Count(),
			Policy:    t.policy,
			Columns:   t.schema.String(),
			Evictions: t.Evictions(),
		})
	}
	return out
}
