package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/nexusbff/model"
)

func TestStruct_valid(t *testing.T) {
	v := New()
	err := v.Struct(model.Credentials{Username: "jdoe", Password: "secret"})
	assert.NoError(t, err)
}

func TestStruct_reportsJSONFieldNames(t *testing.T) {
	v := New()
	err := v.Struct(model.Credentials{})
	require.Error(t, err)
	require.True(t, model.IsCode(err, model.ErrValidationError))

	env := err.(*model.ErrorEnvelope)
	fields := map[string]string{}
	for _, d := range env.Details {
		fields[d.Field] = d.Code
	}
	assert.Equal(t, map[string]string{"username": "REQUIRED", "password": "REQUIRED"}, fields)
}

func TestStruct_oneof(t *testing.T) {
	v := New()
	err := v.Struct(model.DockStatusInput{Status: "closed"})
	require.Error(t, err)

	env := err.(*model.ErrorEnvelope)
	require.Len(t, env.Details, 1)
	assert.Equal(t, "status", env.Details[0].Field)
	assert.Equal(t, "ONEOF", env.Details[0].Code)
}

func TestStruct_coordinates(t *testing.T) {
	v := New()
	err := v.Struct(model.ProofOfDeliveryInput{Signature: "data:image/png;base64,AAAA", Lat: 95, Lng: 10})
	require.Error(t, err)

	env := err.(*model.ErrorEnvelope)
	require.Len(t, env.Details, 1)
	assert.Equal(t, "lat", env.Details[0].Field)
}

func TestStruct_nonStruct(t *testing.T) {
	v := New()
	err := v.Struct("nope")
	require.Error(t, err)
	assert.False(t, model.IsCode(err, model.ErrValidationError))
}
