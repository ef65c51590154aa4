package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrTimeout)
	assert.Equal(t, "Operation timed out", err.Error())

	err = errFactory.WithMessage(errors.ErrProtocol, "unexpected IDN")
	assert.Equal(t, "unexpected IDN", err.Error())

	err = errFactory.Wrap(errors.ErrConnection, fmt.Errorf("permission denied"))
	assert.Equal(t, "Connection to instrument failed: permission denied", err.Error())

	err = errFactory.WithData(errors.ErrMalformedReply, "garbage")
	assert.Equal(t, "Malformed reply from instrument: garbage", err.Error())
}

func TestHasCode(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.New(errors.ErrTimeout)
	outer := errFactory.Wrap(errors.ErrProtocol, inner)
	wrapped := fmt.Errorf("identify: %w", outer)

	assert.True(t, errors.HasCode(wrapped, errors.ErrProtocol))
	assert.True(t, errors.HasCode(wrapped, errors.ErrTimeout))
	assert.False(t, errors.HasCode(wrapped, errors.ErrConnection))
	assert.False(t, errors.HasCode(nil, errors.ErrTimeout))

	assert.Equal(t, errors.ErrProtocol, errors.CodeOf(wrapped))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(fmt.Errorf("plain")))
}

func TestClassOf(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, errors.Transient, errors.ClassOf(errFactory.New(errors.ErrTimeout)))
	assert.Equal(t, errors.Transient, errors.ClassOf(errFactory.WithData(errors.ErrMalformedReply, "??")))
	assert.Equal(t, errors.Fatal, errors.ClassOf(fmt.Errorf("poll: %w", errFactory.New(errors.ErrConnection))))
	assert.Equal(t, errors.Permanent, errors.ClassOf(errFactory.New(errors.ErrInvalidConfig)))
	assert.Equal(t, errors.Permanent, errors.ClassOf(fmt.Errorf("plain")))
	assert.Equal(t, "fatal", errors.Fatal.String())
}
