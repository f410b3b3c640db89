package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("register: %w", Conflict("username already taken"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)

	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "conflict", de.Code())
	assert.Equal(t, "username already taken", de.Error())
}

func TestDelivery_KeepsCauseOutOfMessage(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Delivery(cause, "could not send verification %s", "email")

	assert.Equal(t, "could not send verification email", err.Error())
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, cause)
}

func TestConstructors_Codes(t *testing.T) {
	cases := map[string]error{
		"invalid_input":      InvalidInput("x"),
		"rate_limited":       RateLimited("x"),
		"not_found":          NotFound("x"),
		"attempts_exhausted": AttemptsExhausted("x"),
		"invalid_code":       InvalidCode("x"),
		"unauthorized":       Unauthorized("x"),
	}
	for code, err := range cases {
		var de *Error
		require.True(t, errors.As(err, &de), code)
		assert.Equal(t, code, de.Code())
	}
}
