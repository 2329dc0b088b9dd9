package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synckit/syncserver/errs"
)

func TestKindAndCloseConnectionAreCarriedThrough(t *testing.T) {
	e := errs.Auth(true, nil, "missing token")
	require.Equal(t, errs.KindAuth, e.Kind())
	require.True(t, e.CloseConnection())

	e = errs.NotSubscribed("doc %s", "doc-1")
	require.Equal(t, errs.KindNotSubscribed, e.Kind())
	require.False(t, e.CloseConnection())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial refused")
	e := errs.Storage(cause, "saving document")
	require.ErrorIs(t, e, cause)
}

func TestErrorMessageIncludesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	e := errs.Internal(false, cause, "flushing batch")
	require.Contains(t, e.Error(), "internal")
	require.Contains(t, e.Error(), "flushing batch")
	require.Contains(t, e.Error(), "boom")
}

func TestErrorMessageWithoutCauseOmitsColonTail(t *testing.T) {
	e := errs.Protocol(true, nil, "unknown message type %q", "bogus")
	require.Equal(t, `protocol: unknown message type "bogus"`, e.Error())
}
