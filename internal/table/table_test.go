package table

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func exampleSchema(t *testing.T) Schema {
	t.Helper()
	s, err := ParseSchema(map[string]string{
		"name":  "string:16",
		"votes": "int",
	})
	require.NoError(t, err)
	return s
}

func newExampleTable(t *testing.T, capacity int, policy Policy) (*Store, *Table) {
	t.Helper()
	store := NewStore()
	tbl, err := store.CreateTable("example", exampleSchema(t), capacity, policy)
	require.NoError(t, err)
	return store, tbl
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPutThenGetReturnsLastWrittenRow(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)

	require.NoError(t, tbl.Put("a", Row{"name": "first", "votes": int64(1)}))
	require.NoError(t, tbl.Put("a", Row{"name": "second", "votes": int64(2)}))

	row, err := tbl.Get("a")
	require.NoError(t, err)
	assert.Equal(t, Row{"name": "second", "votes": int64(2)}, row)
}

func TestGetReturnsCopy(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)
	in := Row{"name": "x", "votes": int64(1)}
	require.NoError(t, tbl.Put("a", in))

	in["votes"] = int64(99)
	out, err := tbl.Get("a")
	require.NoError(t, err)
	out["votes"] = int64(42)

	again, err := tbl.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again["votes"])
}

func TestGetMissingKey(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)
	_, err := tbl.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)
	require.NoError(t, tbl.Put("a", Row{"name": "x", "votes": int64(1)}))

	require.NoError(t, tbl.Delete("a"))
	assert.ErrorIs(t, tbl.Delete("a"), ErrNotFound)
	_, err := tbl.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutAfterDeleteRecreatesKey(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)
	first, err := tbl.PutVersioned("a", Row{"name": "x", "votes": int64(1)})
	require.NoError(t, err)
	require.NoError(t, tbl.Delete("a"))

	// Delete 不會重設序號，之後的寫入照常生效
	second, err := tbl.PutVersioned("a", Row{"name": "y", "votes": int64(2)})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	row, err := tbl.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "y", row["name"])

	// 在同一把鎖內判斷的 Update 可讓刪除勝出：key 不存在就不重建
	_, err = tbl.Update("b", func(cur Row, ok bool) (Row, error) {
		if !ok {
			return nil, ErrNotFound
		}
		return cur, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, tbl.Count())
}

func TestIncr(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)
	require.NoError(t, tbl.Put("a", Row{"name": "x", "votes": int64(1)}))

	v, err := tbl.Incr("a", "votes", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	_, err = tbl.Incr("a", "name", 1)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = tbl.Incr("b", "votes", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate(t *testing.T) {
	_, tbl := newExampleTable(t, 1, PolicyReject)

	row, err := tbl.Update("a", func(cur Row, ok bool) (Row, error) {
		assert.False(t, ok)
		assert.Nil(t, cur)
		return Row{"name": "new", "votes": int64(1)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", row["name"])

	_, err = tbl.Update("a", func(cur Row, ok bool) (Row, error) {
		assert.True(t, ok)
		cur["votes"] = cur["votes"].(int64) + 1
		return cur, nil
	})
	require.NoError(t, err)
	got, _ := tbl.Get("a")
	assert.Equal(t, int64(2), got["votes"])

	_, err = tbl.Update("b", func(cur Row, ok bool) (Row, error) {
		return Row{"name": "b", "votes": int64(1)}, nil
	})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = tbl.Update("a", func(cur Row, ok bool) (Row, error) {
		return Row{"name": "a"}, nil
	})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

// ============================================================================
// Capacity Tests
// ============================================================================

func TestPutBeyondCapacityRejectsWithoutMutation(t *testing.T) {
	_, tbl := newExampleTable(t, 2, PolicyReject)
	require.NoError(t, tbl.Put("a", Row{"name": "a", "votes": int64(1)}))
	require.NoError(t, tbl.Put("b", Row{"name": "b", "votes": int64(2)}))

	err := tbl.Put("c", Row{"name": "c", "votes": int64(3)})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, 2, tbl.Count())
	assert.ElementsMatch(t, []string{"a", "b"}, tbl.Keys())
	_, err = tbl.Get("c")
	assert.ErrorIs(t, err, ErrNotFound)

	// 已存在的 key 仍可覆寫
	assert.NoError(t, tbl.Put("a", Row{"name": "a2", "votes": int64(10)}))
}

func TestLRUPolicyEvictsLeastRecentlyUsed(t *testing.T) {
	_, tbl := newExampleTable(t, 2, PolicyLRU)
	require.NoError(t, tbl.Put("a", Row{"name": "a", "votes": int64(1)}))
	require.NoError(t, tbl.Put("b", Row{"name": "b", "votes": int64(2)}))

	// 讀取 a，使 b 成為最久未使用
	_, err := tbl.Get("a")
	require.NoError(t, err)

	require.NoError(t, tbl.Put("c", Row{"name": "c", "votes": int64(3)}))
	assert.Equal(t, 2, tbl.Count())
	assert.Equal(t, uint64(1), tbl.Evictions())

	_, err = tbl.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.Get("a")
	assert.NoError(t, err)
}

// ============================================================================
// Schema Tests
// ============================================================================

func TestPutSchemaMismatch(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)

	testCases := []struct {
		name   string
		row    Row
		column string
	}{
		{"missing column", Row{"name": "x"}, "votes"},
		{"extra column", Row{"name": "x", "votes": int64(1), "extra": "y"}, "extra"},
		{"int given as int", Row{"name": "x", "votes": 1}, "votes"},
		{"string too wide", Row{"name": "this value is far too wide", "votes": int64(1)}, "name"},
		{"wrong string type", Row{"name": []byte("x"), "votes": int64(1)}, "name"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tbl.Put("k", tc.row)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaMismatch)

			var se *SchemaError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.column, se.Column)
			assert.Equal(t, 0, tbl.Count())
		})
	}
}

func TestParseColumn(t *testing.T) {
	testCases := []struct {
		spec    string
		want    Column
		wantErr bool
	}{
		{"string:1000", Column{Name: "c", Type: TypeString, Size: 1000}, false},
		{"int", Column{Name: "c", Type: TypeInt}, false},
		{"float", Column{Name: "c", Type: TypeFloat}, false},
		{"string", Column{}, true},
		{"string:0", Column{}, true},
		{"int:4", Column{}, true},
		{"blob", Column{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.spec, func(t *testing.T) {
			got, err := ParseColumn("c", tc.spec)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchema)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("example:1000", PolicyReject)
	require.NoError(t, err)
	assert.Equal(t, Spec{Name: "example", Capacity: 1000, Policy: PolicyReject}, spec)

	spec, err = ParseSpec("sessions:50:lru", PolicyReject)
	require.NoError(t, err)
	assert.Equal(t, PolicyLRU, spec.Policy)

	for _, bad := range []string{"example", "example:x", "example:0", ":10", "a:1:fifo"} {
		_, err := ParseSpec(bad, PolicyReject)
		assert.ErrorIs(t, err, ErrInvalidSchema, bad)
	}
}

// ============================================================================
// Store Tests
// ============================================================================

func TestCreateTableDuplicate(t *testing.T) {
	store, _ := newExampleTable(t, 10, PolicyReject)
	_, err := store.CreateTable("example", exampleSchema(t), 10, PolicyReject)
	assert.ErrorIs(t, err, ErrDuplicateTable)
}

func TestCreateTableInvalid(t *testing.T) {
	store := NewStore()
	_, err := store.CreateTable("t", exampleSchema(t), 0, PolicyReject)
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = store.CreateTable("t", Schema{}, 10, PolicyReject)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestStoreConvenienceMethods(t *testing.T) {
	store, _ := newExampleTable(t, 10, PolicyReject)

	require.NoError(t, store.Put("example", "k", Row{"name": "x", "votes": int64(7)}))
	row, err := store.Get("example", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(7), row["votes"])
	require.NoError(t, store.Delete("example", "k"))

	_, err = store.Get("nope", "k")
	assert.ErrorIs(t, err, ErrTableNotFound)

	infos := store.Describe()
	require.Len(t, infos, 1)
	assert.Equal(t, "example", infos[0].Name)
	assert.Equal(t, "name:string:16, votes:int", infos[0].Columns)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentPutSameKeyHighestSequenceWins(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)

	writers := 64
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		bySeq = make(map[uint64]string)
	)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("writer-%d", i)
			seq, err := tbl.PutVersioned("shared", Row{"name": name, "votes": int64(i)})
			assert.NoError(t, err)
			mu.Lock()
			bySeq[seq] = name
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	var maxSeq uint64
	for seq := range bySeq {
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	row, err := tbl.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, bySeq[maxSeq], row["name"])
	assert.Equal(t, 1, tbl.Count())
}

func TestConcurrentReadersNeverSeePartialRows(t *testing.T) {
	_, tbl := newExampleTable(t, 10, PolicyReject)
	require.NoError(t, tbl.Put("k", Row{"name": "0", "votes": int64(0)}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			_ = tbl.Put("k", Row{"name": fmt.Sprint(i), "votes": int64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			row, err := tbl.Get("k")
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, fmt.Sprint(row["votes"]), row["name"])
		}
	}()
	wg.Wait()
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkTablePut(b *testing.B) {
	store := NewStore()
	schema, _ := ParseSchema(map[string]string{"name": "string:16", "votes": "int"})
	tbl, _ := store.CreateTable("bench", schema, 1024, PolicyLRU)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tbl.Put(fmt.Sprintf("k-%d", i%2048), Row{"name": "x", "votes": int64(i)})
	}
}
