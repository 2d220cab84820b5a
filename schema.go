package tablestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

const schemaDir = "schema/"

// Schema describes a primary-key table. Every partition key must also be a
// primary key.
type Schema struct {
	RowType       row.RowType `json:"rowType"`
	PartitionKeys []string    `json:"partitionKeys"`
	PrimaryKeys   []string    `json:"primaryKeys"`
}

func (s Schema) validate() error {
	if s.RowType.Arity() == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	if len(s.PrimaryKeys) == 0 {
		return fmt.Errorf("%w: no primary keys", ErrInvalidSchema)
	}
	seen := make(map[string]bool, s.RowType.Arity())
	for _, f := range s.RowType.Fields {
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		seen[f.Name] = true
	}
	for _, name := range append(slices.Clone(s.PrimaryKeys), s.PartitionKeys...) {
		if !seen[name] {
			return &ErrFieldNotFound{Field: name}
		}
	}
	for _, name := range s.PartitionKeys {
		if !slices.Contains(s.PrimaryKeys, name) {
			return fmt.Errorf("%w: partition key %q is not a primary key", ErrInvalidSchema, name)
		}
	}
	return nil
}

// TableSchema is a Schema bound to the projections used by writers.
type TableSchema struct {
	Schema
	ID int64

	partitionType row.RowType
	partitionIdx  []int
	// key fields are the primary keys minus the partition keys.
	keyType row.RowType
	keyIdx  []int
}

func newTableSchema(id int64, s Schema) (*TableSchema, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	partType, partIdx, err := s.RowType.Project(s.PartitionKeys...)
	if err != nil {
		return nil, err
	}
	var trimmed []string
	for _, name := range s.PrimaryKeys {
		if !slices.Contains(s.PartitionKeys, name) {
			trimmed = append(trimmed, name)
		}
	}
	if len(trimmed) == 0 {
		trimmed = s.PrimaryKeys
	}
	keyType, keyIdx, err := s.RowType.Project(trimmed...)
	if err != nil {
		return nil, err
	}
	return &TableSchema{
		Schema:        s,
		ID:            id,
		partitionType: partType,
		partitionIdx:  partIdx,
		keyType:       keyType,
		keyIdx:        keyIdx,
	}, nil
}

// KVSchema returns the key and value types stored in data files.
func (s *TableSchema) KVSchema() kv.Schema {
	return kv.Schema{Key: s.keyType, Value: s.RowType}
}

// PartitionType returns the type of partition rows.
func (s *TableSchema) PartitionType() row.RowType { return s.partitionType }

// Partition extracts the partition of r.
func (s *TableSchema) Partition(r row.Row) row.Row {
	return row.Project(r, s.RowType, s.partitionIdx)
}

// Key extracts the bucket key of r.
func (s *TableSchema) Key(r row.Row) row.Row {
	return row.Project(r, s.RowType, s.keyIdx)
}

func schemaPath(id int64) string {
	return fmt.Sprintf("%sschema-%d", schemaDir, id)
}

func equalRowTypes(a, b row.RowType) bool {
	return slices.Equal(a.Fields, b.Fields)
}

// loadOrCreateSchema persists s as schema 0 of a new table or checks it
// against the stored schema of an existing one.
func loadOrCreateSchema(ctx context.Context, store blobstore.BlobStore, s Schema) (*TableSchema, error) {
	ts, err := newTableSchema(0, s)
	if err != nil {
		return nil, err
	}
	data, err := blobstore.ReadAll(ctx, store, schemaPath(0))
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		data, err = json.Marshal(s)
		if err != nil {
			return nil, err
		}
		if err := blobstore.PutIfNotExists(ctx, store, schemaPath(0), data); err != nil {
			return nil, fmt.Errorf("write schema: %w", err)
		}
		return ts, nil
	case err != nil:
		return nil, fmt.Errorf("read schema: %w", err)
	}

	var stored Schema
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if !equalRowTypes(stored.RowType, s.RowType) ||
		!slices.Equal(stored.PartitionKeys, s.PartitionKeys) ||
		!slices.Equal(stored.PrimaryKeys, s.PrimaryKeys) {
		return nil, fmt.Errorf("%w: does not match the stored schema", ErrInvalidSchema)
	}
	return ts, nil
}
