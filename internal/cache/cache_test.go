package cache

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hotworker/internal/table"
)

func newManager(t *testing.T, mock *clock.Mock, specs ...table.Spec) (*Manager, *table.Store) {
	t.Helper()
	if len(specs) == 0 {
		specs = []table.Spec{{Name: "example", Capacity: 100, Policy: table.PolicyReject}}
	}
	ts := table.NewStore()
	m, err := NewManager(DriverOctane, ts, specs, mock)
	require.NoError(t, err)
	return m, ts
}

func TestPutGetForget(t *testing.T) {
	m, _ := newManager(t, clock.NewMock())
	s := m.Default()

	require.NoError(t, s.Forever("greeting", "hello"))
	v, ok, err := s.Get("greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	assert.True(t, s.Forget("greeting"))
	assert.False(t, s.Forget("greeting"))
	_, ok, _ = s.Get("greeting")
	assert.False(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	mock := clock.NewMock()
	m, _ := newManager(t, mock)
	s := m.Default()

	require.NoError(t, s.Put("session", "abc", 10*time.Second))
	mock.Add(9 * time.Second)
	_, ok, _ := s.Get("session")
	assert.True(t, ok)

	mock.Add(time.Second)
	_, ok, _ = s.Get("session")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestIncrement(t *testing.T) {
	m, _ := newManager(t, clock.NewMock())
	s := m.Default()

	n, err := s.Increment("hits", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment("hits", 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, _, _ := s.Get("hits")
	assert.Equal(t, "101", v)

	require.NoError(t, s.Forever("name", "alice"))
	_, err = s.Increment("name", 1)
	assert.ErrorIs(t, err, ErrNotNumeric)
}

func TestRemember(t *testing.T) {
	m, _ := newManager(t, clock.NewMock())
	s := m.Default()
	calls := 0
	fn := func() (string, error) {
		calls++
		return "computed", nil
	}

	v, err := s.Remember("k", time.Minute, fn)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	v, err = s.Remember("k", time.Minute, fn)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls)
}

func TestValueTooWide(t *testing.T) {
	m, _ := newManager(t, clock.NewMock())
	err := m.Default().Forever("big", strings.Repeat("x", ValueWidth+1))
	assert.ErrorIs(t, err, table.ErrSchemaMismatch)
}

func TestCapacityFollowsTablePolicy(t *testing.T) {
	m, _ := newManager(t, clock.NewMock(), table.Spec{Name: "tiny", Capacity: 1, Policy: table.PolicyReject})
	s, err := m.Store("tiny")
	require.NoError(t, err)

	require.NoError(t, s.Forever("a", "1"))
	assert.ErrorIs(t, s.Forever("b", "2"), table.ErrCapacityExceeded)
}

func TestManagerTablesLiveInStore(t *testing.T) {
	m, ts := newManager(t, clock.NewMock(),
		table.Spec{Name: "example", Capacity: 10},
		table.Spec{Name: "sessions", Capacity: 10, Policy: table.PolicyLRU},
	)

	assert.Equal(t, []string{"example", "sessions"}, m.Names())
	assert.Equal(t, []string{"cache.example", "cache.sessions"}, ts.Names())
	assert.Equal(t, DriverOctane, m.Driver())

	_, err := m.Store("missing")
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestUnknownDriver(t *testing.T) {
	_, err := NewManager("redis", table.NewStore(), nil, nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
	assert.True(t, KnownDriver(DriverTable))
}

func TestDuplicateCacheTable(t *testing.T) {
	ts := table.NewStore()
	_, err := NewManager(DriverTable, ts, []table.Spec{{Name: "a", Capacity: 1}, {Name: "a", Capacity: 1}}, nil)
	assert.ErrorIs(t, err, table.ErrDuplicateTable)
}
