package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steveyegge/streambed/internal/storage"
)

type priceChanged struct {
	Price int `json:"price"`
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewEventTypeRegistry()

	require.Error(t, r.RegisterType("", 1, priceChanged{}))
	require.Error(t, r.RegisterType("PriceChanged", 0, priceChanged{}))
	require.Error(t, r.RegisterType("PriceChanged", 1, nil))
	require.NoError(t, r.RegisterType("PriceChanged", 2, priceChanged{}))
	require.True(t, r.Known("PriceChanged"))
	require.False(t, r.Known("Nope"))
}

func TestRegistryEncodeDecodeRoundTrip(t *testing.T) {
	r := NewEventTypeRegistry()
	require.NoError(t, RegisterEventType[priceChanged](r, "PriceChanged", 2))

	enc, err := r.Encode(priceChanged{Price: 42})
	require.NoError(t, err)
	require.Equal(t, "PriceChanged", enc.TypeName)
	require.Equal(t, 2, enc.SchemaVersion)
	require.JSONEq(t, `{"price":42}`, enc.Payload)

	// Pointer values dispatch to the same entry.
	encPtr, err := r.Encode(&priceChanged{Price: 7})
	require.NoError(t, err)
	require.Equal(t, "PriceChanged", encPtr.TypeName)

	v, err := r.Decode("PriceChanged", enc.Payload)
	require.NoError(t, err)
	got, ok := v.(*priceChanged)
	require.True(t, ok)
	require.Equal(t, 42, got.Price)
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewEventTypeRegistry()

	_, err := r.Encode(priceChanged{})
	require.True(t, errors.Is(err, storage.ErrSerialization))

	_, err = r.Decode("PriceChanged", `{}`)
	require.True(t, errors.Is(err, storage.ErrSerialization))
}
