package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/golang/snappy"
	"gorm.io/gorm/schema"
)

// snappyJSONSerializer stores a column as JSON-then-snappy-compressed
// bytes. The usage-record append log is the one append-only table this
// core writes on every allowed reportUsage call, and its Metadata column
// is the most repetitive
// (same few cost/rate keys per feature) — exactly the kind of payload
// snappy's block format was built for.
type snappyJSONSerializer struct{}

func init() {
	schema.RegisterSerializer("snappyjson", snappyJSONSerializer{})
}

func (snappyJSONSerializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	if dbValue == nil {
		return nil
	}

	var raw []byte
	switch v := dbValue.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("snappyjson: unsupported db value type %T", dbValue)
	}
	if len(raw) == 0 {
		return nil
	}

	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return fmt.Errorf("snappyjson: decompress: %w", err)
	}

	target := reflect.New(field.FieldType)
	if err := json.Unmarshal(decoded, target.Interface()); err != nil {
		return fmt.Errorf("snappyjson: unmarshal: %w", err)
	}
	field.ReflectValueOf(ctx, dst).Set(target.Elem())
	return nil
}

func (snappyJSONSerializer) Value(ctx context.Context, field *schema.Field, dst reflect.Value, fieldValue interface{}) (interface{}, error) {
	encoded, err := json.Marshal(fieldValue)
	if err != nil {
		return nil, fmt.Errorf("snappyjson: marshal: %w", err)
	}
	return snappy.Encode(nil, encoded), nil
}
