package table

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTable 表示同名的表已存在
	ErrDuplicateTable = errors.New("table: already exists")
	// ErrTableNotFound 表示表不存在
	ErrTableNotFound = errors.New("table: not found")
	// ErrNotFound 表示 key 不存在
	ErrNotFound = errors.New("table: key not found")
	// ErrCapacityExceeded 表示表已滿且策略為 reject
	ErrCapacityExceeded = errors.New("table: capacity exceeded")
	// ErrSchemaMismatch 表示 row 與宣告的 schema 不一致
	ErrSchemaMismatch = errors.New("table: schema mismatch")
	// ErrInvalidSchema 表示 schema 或表規格本身不合法
	ErrInvalidSchema = errors.New("table: invalid schema")
)

// SchemaError describes which column of a row failed validation.
type SchemaError struct {
	Table  string
	Column string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table: schema mismatch on %s.%s: %s", e.Table, e.Column, e.Reason)
}

func (e *SchemaError) Unwrap() error {
	return ErrSchemaMismatch
}
