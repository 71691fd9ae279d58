package table

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ColumnType 欄位型別
type ColumnType int

const (
	TypeString ColumnType = iota + 1 // string(N)，N 為最大位元組數
	TypeInt                          // int64
	TypeFloat                        // float64
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Column 一個固定寬度的欄位定義
type Column struct {
	Name string
	Type ColumnType
	Size int // 只有 string 使用
}

func (c Column) String() string {
	if c.Type == TypeString {
		return fmt.Sprintf("%s:string:%d", c.Name, c.Size)
	}
	return fmt.Sprintf("%s:%s", c.Name, c.Type)
}

// Row 一筆資料，key 為欄位名稱
type Row map[string]any

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Schema 表的欄位定義，建立後不可變
type Schema struct {
	columns []Column
	index   map[string]int
}

// NewSchema validates the columns and returns an immutable schema.
func NewSchema(cols ...Column) (Schema, error) {
	if len(cols) == 0 {
		return Schema{}, fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}

	s := Schema{
		columns: make([]Column, 0, len(cols)),
		index:   make(map[string]int, len(cols)),
	}
	for _, c := range cols {
		if c.Name == "" {
			return Schema{}, fmt.Errorf("%w: empty column name", ErrInvalidSchema)
		}
		if _, dup := s.index[c.Name]; dup {
			return Schema{}, fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
		}
		switch c.Type {
		case TypeString:
			if c.Size <= 0 {
				return Schema{}, fmt.Errorf("%w: column %q needs a positive width", ErrInvalidSchema, c.Name)
			}
		case TypeInt, TypeFloat:
			if c.Size != 0 {
				return Schema{}, fmt.Errorf("%w: column %q of type %s takes no width", ErrInvalidSchema, c.Name, c.Type)
			}
		default:
			return Schema{}, fmt.Errorf("%w: column %q has unknown type", ErrInvalidSchema, c.Name)
		}
		s.index[c.Name] = len(s.columns)
		s.columns = append(s.columns, c)
	}
	return s, nil
}

// Columns returns a copy of the column definitions in declaration order.
func (s Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Column looks up a column by name.
func (s Schema) Column(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

func (s Schema) String() string {
	parts := make([]string, len(s.columns))
	for i, c := range s.columns {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// validate 嚴格比對，不做任何隱式轉換
func (s Schema) validate(table string, row Row) error {
	for _, c := range s.columns {
		v, ok := row[c.Name]
		if !ok {
			return &SchemaError{Table: table, Column: c.Name, Reason: "missing column"}
		}
		switch c.Type {
		case TypeString:
			str, ok := v.(string)
			if !ok {
				return &SchemaError{Table: table, Column: c.Name, Reason: fmt.Sprintf("expected string, got %T", v)}
			}
			if len(str) > c.Size {
				return &SchemaError{Table: table, Column: c.Name, Reason: fmt.Sprintf("value of %d bytes exceeds width %d", len(str), c.Size)}
			}
		case TypeInt:
			if _, ok := v.(int64); !ok {
				return &SchemaError{Table: table, Column: c.Name, Reason: fmt.Sprintf("expected int64, got %T", v)}
			}
		case TypeFloat:
			if _, ok := v.(float64); !ok {
				return &SchemaError{Table: table, Column: c.Name, Reason: fmt.Sprintf("expected float64, got %T", v)}
			}
		}
	}
	if len(row) != len(s.columns) {
		for name := range row {
			if _, ok := s.index[name]; !ok {
				return &SchemaError{Table: table, Column: name, Reason: "unknown column"}
			}
		}
	}
	return nil
}

// ParseColumn parses a column spec such as "string:1000", "int" or "float".
func ParseColumn(name, spec string) (Column, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	switch strings.ToLower(parts[0]) {
	case "string":
		if len(parts) != 2 {
			return Column{}, fmt.Errorf("%w: column %q: string needs a width (string:N)", ErrInvalidSchema, name)
		}
		size, err := strconv.Atoi(parts[1])
		if err != nil || size <= 0 {
			return Column{}, fmt.Errorf("%w: column %q: bad width %q", ErrInvalidSchema, name, parts[1])
		}
		return Column{Name: name, Type: TypeString, Size: size}, nil
	case "int":
		if len(parts) != 1 {
			return Column{}, fmt.Errorf("%w: column %q: int takes no width", ErrInvalidSchema, name)
		}
		return Column{Name: name, Type: TypeInt}, nil
	case "float":
		if len(parts) != 1 {
			return Column{}, fmt.Errorf("%w: column %q: float takes no width", ErrInvalidSchema, name)
		}
		return Column{Name: name, Type: TypeFloat}, nil
	default:
		return Column{}, fmt.Errorf("%w: column %q: unknown type %q", ErrInvalidSchema, name, parts[0])
	}
}

// ParseSchema builds a schema from a column-name → spec mapping.
// Columns are ordered by name since configuration maps carry no order.
func ParseSchema(specs map[string]string) (Schema, error) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]Column, 0, len(names))
	for _, name := range names {
		c, err := ParseColumn(name, specs[name])
		if err != nil {
			return Schema{}, err
		}
		cols = append(cols, c)
	}
	return NewSchema(cols...)
}

// Spec 解析後的表規格 "name:capacity[:policy]"
type Spec struct {
	Name     string
	Capacity int
	Policy   Policy
}

// ParseSpec parses a table spec of the form "name:capacity[:policy]".
// An empty policy falls back to def.
func ParseSpec(spec string, def Policy) (Spec, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return Spec{}, fmt.Errorf("%w: table spec %q must be name:capacity[:policy]", ErrInvalidSchema, spec)
	}
	capacity, err := strconv.Atoi(parts[1])
	if err != nil || capacity <= 0 {
		return Spec{}, fmt.Errorf("%w: table spec %q: bad capacity %q", ErrInvalidSchema, spec, parts[1])
	}
	policy := def
	if len(parts) == 3 {
		if policy, err = ParsePolicy(parts[2]); err != nil {
			return Spec{}, err
		}
	}
	if policy == "" {
		policy = PolicyReject
	}
	return Spec{Name: parts[0], Capacity: capacity, Policy: policy}, nil
}
