// ============================================================================
// hotworker Table Store - 固定 schema 的並發記憶體表
// ============================================================================
//
// Package: internal/table
// 文件: table.go
// 功能: 提供跨 worker 共享、固定容量、固定 schema 的 key/value 表，作為快取後端
//
// 並發模型:
//   - 每張表一把 sync.RWMutex，單一 key 的操作是 linearizable
//   - 不提供跨 key 的交易
//   - Row 進出都會複製，讀者永遠看不到寫到一半的 row
//
// 寫入順序（last-writer-wins）:
//   每次 Put 在進入時從 Store 取得單調遞增的序號 seq。
//   取得鎖後若目前儲存的 row 序號比自己大，代表較晚進入的寫者已先完成，
//   本次寫入直接丟棄。因此同一 key 的最終值永遠屬於序號最大的寫者。
//   Delete 不取序號，只依鎖的先後生效：刪除後才取得鎖的舊寫者會重建該 key。
//   需要「刪除必勝」的呼叫端應改用 Update 在同一把鎖內判斷。
//
// 容量策略（必須明確指定）:
//   - reject: 表滿時新 key 回傳 ErrCapacityExceeded，表內容不變
//   - lru:    表滿時淘汰最久未使用的 key
//
// ============================================================================

package table

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Policy 容量滿時的處理策略
type Policy string

const (
	PolicyReject Policy = "reject"
	PolicyLRU    Policy = "lru"
)

// ParsePolicy accepts "reject", "lru" or "" (reject).
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyLRU:
		return PolicyLRU, nil
	default:
		return "", fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidSchema, s)
	}
}

type entry struct {
	row Row
	seq uint64
}

// Table 一張固定容量的表
type Table struct {
	name     string
	schema   Schema
	capacity int
	policy   Policy
	seq      *atomic.Uint64 // 由 Store 共享

	mu        sync.RWMutex
	rows      *simplelru.LRU[string, entry]
	evictions atomic.Uint64
}

func newTable(name string, schema Schema, capacity int, policy Policy, seq *atomic.Uint64) (*Table, error) {
	rows, err := simplelru.NewLRU[string, entry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Table{
		name:     name,
		schema:   schema,
		capacity: capacity,
		policy:   policy,
		seq:      seq,
		rows:     rows,
	}, nil
}

func (t *Table) Name() string      { return t.name }
func (t *Table) Schema() Schema    { return t.schema }
func (t *Table) Capacity() int     { return t.capacity }
func (t *Table) Policy() Policy    { return t.policy }
func (t *Table) Evictions() uint64 { return t.evictions.Load() }

// Get returns a copy of the row stored under key.
func (t *Table) Get(key string) (Row, error) {
	var (
		e  entry
		ok bool
	)
	if t.policy == PolicyLRU {
		// Get 會更新最近使用順序，需要寫鎖
		t.mu.Lock()
		e, ok = t.rows.Get(key)
		t.mu.Unlock()
	} else {
		t.mu.RLock()
		e, ok = t.rows.Peek(key)
		t.mu.RUnlock()
	}
	if !ok {
		return nil, ErrNotFound
	}
	return e.row.clone(), nil
}

// Put stores row under key.
func (t *Table) Put(key string, row Row) error {
	_, err := t.PutVersioned(key, row)
	return err
}

// PutVersioned stores row under key and returns the sequence number the
// write was assigned on entry. A write that lost to a later sequence still
// returns its own number and a nil error.
func (t *Table) PutVersioned(key string, row Row) (uint64, error) {
	if err := t.schema.validate(t.name, row); err != nil {
		return 0, err
	}
	stored := row.clone()
	seq := t.seq.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.rows.Peek(key); ok {
		if cur.seq > seq {
			return seq, nil
		}
		t.rows.Add(key, entry{row: stored, seq: seq})
		return seq, nil
	}

	if t.policy == PolicyReject && t.rows.Len() >= t.capacity {
		return seq, fmt.Errorf("%w: %q holds %d rows", ErrCapacityExceeded, t.name, t.capacity)
	}
	if evicted := t.rows.Add(key, entry{row: stored, seq: seq}); evicted {
		t.evictions.Add(1)
	}
	return seq, nil
}

// Incr atomically adds delta to an int column of an existing row.
func (t *Table) Incr(key, column string, delta int64) (int64, error) {
	c, ok := t.schema.Column(column)
	if !ok || c.Type != TypeInt {
		return 0, &SchemaError{Table: t.name, Column: column, Reason: "not an int column"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.rows.Peek(key)
	if !ok {
		return 0, ErrNotFound
	}
	next := cur.row.clone()
	v := next[column].(int64) + delta
	next[column] = v
	t.rows.Add(key, entry{row: next, seq: t.seq.Add(1)})
	return v, nil
}

// Update atomically replaces the row of key with the result of fn. fn gets
// a copy of the current row (nil and false when key is missing) and must
// not call back into the table.
func (t *Table) Update(key string, fn func(cur Row, ok bool) (Row, error)) (Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.rows.Peek(key)
	var in Row
	if ok {
		in = cur.row.clone()
	}
	next, err := fn(in, ok)
	if err != nil {
		return nil, err
	}
	if err := t.schema.validate(t.name, next); err != nil {
		return nil, err
	}
	if !ok && t.policy == PolicyReject && t.rows.Len() >= t.capacity {
		return nil, fmt.Errorf("%w: %q holds %d rows", ErrCapacityExceeded, t.name, t.capacity)
	}
	stored := next.clone()
	if evicted := t.rows.Add(key, entry{row: stored, seq: t.seq.Add(1)}); evicted {
		t.evictions.Add(1)
	}
	return stored.clone(), nil
}

// Delete removes key. Deletes sit outside the last-writer-wins ordering:
// they take no sequence number, so a Put that acquires the lock after the
// Delete stores its row even if its sequence predates the Delete.
func (t *Table) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.rows.Remove(key) {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored rows.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows.Len()
}

// Keys returns the stored keys from least to most recently written.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows.Keys()
}

// Flush removes every row.
func (t *Table) Flush() {
	t.mu.Lock()
	t.rows.Purge()
	t.mu.Unlock()
}
