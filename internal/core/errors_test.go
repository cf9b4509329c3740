package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	err := E(KindNotFound, "policy %s", "abc")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindDuplicate))
	assert.Equal(t, "NOT_FOUND: policy abc", err.Error())

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindStoreUnavailable, cause, "pinging redis")

	assert.True(t, IsKind(err, KindStoreUnavailable))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")

	assert.Nil(t, Wrap(KindStoreUnavailable, nil, "no cause"))
}

func TestCountsAsBreakerFailure(t *testing.T) {
	assert.True(t, CountsAsBreakerFailure(E(KindStoreUnavailable, "down")))
	assert.True(t, CountsAsBreakerFailure(E(KindScriptError, "bad reply")))
	assert.True(t, CountsAsBreakerFailure(errors.New("untyped")))

	assert.False(t, CountsAsBreakerFailure(E(KindNotFound, "missing")))
	assert.False(t, CountsAsBreakerFailure(E(KindInvalidInput, "bad")))
	assert.False(t, CountsAsBreakerFailure(E(KindDuplicate, "dup")))
}
