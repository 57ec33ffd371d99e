package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("file-not-found")
	err := NewOpError(CategoryFileSystem, "open source", cause)

	require.Equal(t, "open source: file-not-found", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestOpError_NoCause(t *testing.T) {
	err := NewOpError(CategoryUnknown, "mystery failure", nil)
	require.Equal(t, "mystery failure", err.Error())
	require.Nil(t, err.Unwrap())
}
