package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValidation(t *testing.T) {
	type req struct {
		Name string `validate:"required"`
		Age  int    `validate:"gte=18"`
	}
	err := validator.New().Struct(req{Age: 3})
	require.Error(t, err)

	apiErr := FromValidation(err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.ErrorCode)

	fields, ok := apiErr.Details.([]ValidationError)
	require.True(t, ok)
	require.Len(t, fields, 2)
	assert.Equal(t, "req.Name", fields[0].Field)
	assert.Contains(t, fields[1].Message, "gte")

	other := FromValidation(errors.New("unexpected EOF"))
	assert.Equal(t, "INVALID_REQUEST", other.ErrorCode)
}

func TestProblemDetailsMarshal(t *testing.T) {
	pd := NewProblemDetails(http.StatusForbidden, TypeForbidden, "Forbidden", "", "/x").
		WithExtension("code", 4005).
		WithExtension("type", "ignored")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, TypeForbidden, body["type"], "standard members win over extensions")
	assert.Equal(t, float64(4005), body["code"])
	assert.NotContains(t, body, "detail")
}
