package errors

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := fmt.Errorf("connection refused")
	err := Wrap(Transport, base, "dial %s", "login1")
	assert.Equal(t, Transport, KindOf(err))
	assert.True(t, IsKind(err, Transport))
	assert.Equal(t, base, pkgerrors.Cause(err))

	outer := pkgerrors.Wrap(err, "submit")
	assert.Equal(t, Transport, KindOf(outer))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, UnknownKind, KindOf(fmt.Errorf("x")))
	assert.False(t, IsKind(nil, UnknownKind))
	assert.Nil(t, Wrap(Credential, nil, "noop"))
}

func TestRawOf(t *testing.T) {
	err := NewRaw(ParseAmbiguity, "garbage\n", "no job id")
	assert.Equal(t, "garbage\n", RawOf(err))

	wrapped := Wrap(RemoteExecution, err, "submit")
	assert.Equal(t, "garbage\n", RawOf(wrapped))
	assert.Equal(t, "", RawOf(New(Transport, "timeout")))
}

func TestKindText(t *testing.T) {
	for k := range kindNames {
		b, err := k.MarshalText()
		assert.NoError(t, err)
		var got Kind
		assert.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}
	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("NotAKind")))
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitCode(0), ExitCodeFor(nil))
	assert.Equal(t, CredentialExitCode, ExitCodeFor(New(Credential, "expired")))
	assert.Equal(t, GenericFailureExitCode, ExitCodeFor(fmt.Errorf("plain")))
	assert.Equal(t, UsageExitCode, ExitCodeFor(NewError(fmt.Errorf("bad flag"), UsageExitCode)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Transport.Retryable())
	assert.True(t, RegistryPersist.Retryable())
	assert.False(t, RemoteExecution.Retryable())
	assert.False(t, CommandGeneration.Retryable())
}
