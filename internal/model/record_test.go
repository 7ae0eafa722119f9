package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBatch_WireFormat(t *testing.T) {
	capturedAt := time.Date(2022, 3, 1, 15, 4, 5, 123000000, time.UTC)
	payload, err := MarshalBatch(Batch{{
		Name:       "Maria Silva",
		Email:      "maria@example.com",
		Phone:      "11999990000",
		NationalID: "12345678900",
		CapturedAt: capturedAt,
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{
		"name": "Maria Silva",
		"email": "maria@example.com",
		"phone": "11999990000",
		"nationalId": "12345678900",
		"capturedAt": "2022-03-01T15:04:05.123Z"
	}]`, string(payload))
}

func TestUnmarshalBatch_PreservesCaptureTime(t *testing.T) {
	capturedAt := time.Date(2022, 3, 1, 15, 4, 5, 0, time.FixedZone("BRT", -3*60*60))
	payload, err := MarshalBatch(Batch{{Name: "a", CapturedAt: capturedAt}})
	require.NoError(t, err)

	batch, err := UnmarshalBatch(payload)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.True(t, capturedAt.Equal(batch[0].CapturedAt))
}

func TestMarshalBatch_NilIsEmptyArray(t *testing.T) {
	payload, err := MarshalBatch(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(payload))
}

func TestUnmarshalBatch_Invalid(t *testing.T) {
	_, err := UnmarshalBatch([]byte(`{"name": "not an array"}`))
	assert.Error(t, err)
}
