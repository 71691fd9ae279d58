// Package cache implements the cache driver backed by the shared table
// store. Each cache table holds rows {value string(N), expiration int}
// where expiration is a unix second, 0 meaning the entry never expires.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/hotworker/internal/table"
)

// Driver names accepted by the cache.driver option.
const (
	DriverOctane = "octane"
	DriverTable  = "table"
)

// TablePrefix namespaces cache tables inside the store.
const TablePrefix = "cache."

// ValueWidth is the widest value a cache entry can hold.
const ValueWidth = 10000

var (
	ErrUnknownDriver = errors.New("cache: unknown driver")
	ErrUnknownTable  = errors.New("cache: unknown cache table")
	ErrNotNumeric    = errors.New("cache: value is not an integer")
)

// KnownDriver reports whether name selects the table store.
func KnownDriver(name string) bool {
	return name == DriverOctane || name == DriverTable
}

// Schema returns the row layout of a cache table.
func Schema() table.Schema {
	s, err := table.NewSchema(
		table.Column{Name: "value", Type: table.TypeString, Size: ValueWidth},
		table.Column{Name: "expiration", Type: table.TypeInt},
	)
	if err != nil {
		panic(err)
	}
	return s
}

// Store is one cache table.
type Store struct {
	tbl   *table.Table
	clock clock.Clock
}

// Get returns the value under key. Expired entries are removed and
// reported as a miss.
func (s *Store) Get(key string) (string, bool, error) {
	row, err := s.tbl.Get(key)
	if errors.Is(err, table.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if s.expired(row) {
		_ = s.tbl.Delete(key)
		return "", false, nil
	}
	return row["value"].(string), true, nil
}

// Put stores value for ttl; ttl ≤ 0 stores it forever.
func (s *Store) Put(key, value string, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = s.clock.Now().Add(ttl).Unix()
	}
	return s.tbl.Put(key, table.Row{"value": value, "expiration": exp})
}

// Forever stores value without expiry.
func (s *Store) Forever(key, value string) error {
	return s.Put(key, value, 0)
}

// Forget removes key and reports whether it was present.
func (s *Store) Forget(key string) bool {
	return s.tbl.Delete(key) == nil
}

// Increment adds by to the integer stored under key, creating it at by when
// it is missing. The entry keeps its expiration.
func (s *Store) Increment(key string, by int64) (int64, error) {
	var next int64
	_, err := s.tbl.Update(key, func(cur table.Row, ok bool) (table.Row, error) {
		if !ok || s.expired(cur) {
			next = by
			return table.Row{"value": strconv.FormatInt(by, 10), "expiration": int64(0)}, nil
		}
		n, err := strconv.ParseInt(cur["value"].(string), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrNotNumeric, key)
		}
		next = n + by
		cur["value"] = strconv.FormatInt(next, 10)
		return cur, nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) expired(row table.Row) bool {
	exp := row["expiration"].(int64)
	return exp != 0 && s.clock.Now().Unix() >= exp
}

// Remember returns the cached value or stores the result of fn.
func (s *Store) Remember(key string, ttl time.Duration, fn func() (string, error)) (string, error) {
	if v, ok, err := s.Get(key); err != nil || ok {
		return v, err
	}
	v, err := fn()
	if err != nil {
		return "", err
	}
	return v, s.Put(key, v, ttl)
}

// Flush removes every entry.
func (s *Store) Flush() {
	s.tbl.Flush()
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (s *Store) Len() int {
	return s.tbl.Count()
}

// Manager owns the cache tables named by cache.tables.
type Manager struct {
	driver string
	stores map[string]*Store
	def    string
}

// NewManager creates the cache tables in ts. The first spec is the default
// store.
func NewManager(driver string, ts *table.Store, specs []table.Spec, c clock.Clock) (*Manager, error) {
	if !KnownDriver(driver) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if c == nil {
		c = clock.New()
	}
	m := &Manager{driver: driver, stores: make(map[string]*Store, len(specs))}
	for i, sp := range specs {
		tbl, err := ts.CreateTable(TablePrefix+sp.Name, Schema(), sp.Capacity, sp.Policy)
		if err != nil {
			return nil, fmt.Errorf("cache table %q: %w", sp.Name, err)
		}
		m.stores[sp.Name] = &Store{tbl: tbl, clock: c}
		if i == 0 {
			m.def = sp.Name
		}
	}
	return m, nil
}

// Driver returns the configured driver name.
func (m *Manager) Driver() string { return m.driver }

// Store returns the named cache store.
func (m *Manager) Store(name string) (*Store, error) {
	s, ok := m.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return s, nil
}

// Default returns the first configured store, or nil when there is none.
func (m *Manager) Default() *Store {
	return m.stores[m.def]
}

// Names returns the cache table names, sorted.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.stores))
	for n := range m.stores {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
