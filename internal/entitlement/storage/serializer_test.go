package storage

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"

	"github.com/unprice/entitlements/internal/entitlement/domain"
)

func metadataField(t *testing.T) *schema.Field {
	t.Helper()
	s, err := schema.Parse(&domain.UsageRecord{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	field := s.LookUpField("Metadata")
	require.NotNil(t, field)
	return field
}

func TestSnappyJSONSerializerRoundTrips(t *testing.T) {
	ser := snappyJSONSerializer{}
	field := metadataField(t)

	var rec domain.UsageRecord
	in := domain.UsageMetadata{Cost: 1.5, Rate: 0.25, RateAmount: 10, RateCurrency: "usd"}

	encoded, err := ser.Value(context.Background(), field, reflect.ValueOf(rec), in)
	require.NoError(t, err)
	raw, ok := encoded.([]byte)
	require.True(t, ok)
	assert.NotEmpty(t, raw)

	dst := reflect.ValueOf(&rec).Elem()
	require.NoError(t, ser.Scan(context.Background(), field, dst, raw))
	assert.Equal(t, in, rec.Metadata)
}

func TestSnappyJSONSerializerScanNilIsNoOp(t *testing.T) {
	ser := snappyJSONSerializer{}
	field := metadataField(t)

	var rec domain.UsageRecord
	dst := reflect.ValueOf(&rec).Elem()
	require.NoError(t, ser.Scan(context.Background(), field, dst, nil))
	assert.Equal(t, domain.UsageMetadata{}, rec.Metadata)
}

func TestSnappyJSONSerializerScanEmptyBytesIsNoOp(t *testing.T) {
	ser := snappyJSONSerializer{}
	field := metadataField(t)

	var rec domain.UsageRecord
	dst := reflect.ValueOf(&rec).Elem()
	require.NoError(t, ser.Scan(context.Background(), field, dst, []byte{}))
	assert.Equal(t, domain.UsageMetadata{}, rec.Metadata)
}

func TestSnappyJSONSerializerScanRejectsUnsupportedType(t *testing.T) {
	ser := snappyJSONSerializer{}
	field := metadataField(t)

	var rec domain.UsageRecord
	dst := reflect.ValueOf(&rec).Elem()
	err := ser.Scan(context.Background(), field, dst, 42)
	assert.Error(t, err)
}

func TestSnappyJSONSerializerAcceptsStringDBValue(t *testing.T) {
	ser := snappyJSONSerializer{}
	field := metadataField(t)

	var rec domain.UsageRecord
	in := domain.UsageMetadata{Cost: 2, RateCurrency: "eur"}
	encoded, err := ser.Value(context.Background(), field, reflect.ValueOf(rec), in)
	require.NoError(t, err)
	raw := string(encoded.([]byte))

	dst := reflect.ValueOf(&rec).Elem()
	require.NoError(t, ser.Scan(context.Background(), field, dst, raw))
	assert.Equal(t, in, rec.Metadata)
}
