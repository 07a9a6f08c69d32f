package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	first := errors.New("first")
	second := NotFound("session %s", "opc.tcp://a:4840")

	assert.NoError(t, Join("batch", nil))
	assert.Same(t, first, Join("batch", []error{first}))

	err := Join("batch", []error{first, second})
	ae, ok := IsAggregate(err)
	require.True(t, ok)
	assert.Len(t, ae.Errors, 2)
	assert.ErrorIs(t, err, first)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "2 errors")
}

func TestClassification(t *testing.T) {
	tests := []struct {
		err    error
		check  func(error) bool
		expect bool
	}{
		{NotFound("x"), IsNotFound, true},
		{InvalidState("x"), IsInvalidState, true},
		{Connection(nil, "no endpoint"), IsConnection, true},
		{Connection(errors.New("refused"), "dial"), IsConnection, true},
		{ErrResourceExhausted, IsResourceExhausted, true},
		{ErrCancelled, IsCancelled, true},
		{NotFound("x"), IsInvalidState, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, tt.check(tt.err), tt.err.Error())
	}
}
