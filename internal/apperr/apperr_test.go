package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad")))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(Precondition("not failed")))
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(Auth("no identity")))
	require.Equal(t, http.StatusNotFound, HTTPStatus(NotFound()))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Unavailable("broker", errors.New("dial"))))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("retry: %w", Precondition("job is not failed"))
	require.ErrorIs(t, err, ErrPrecondition)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Equal(t, "job is not failed", PublicMessage(err))
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal(errors.New("pq: relation missing"))
	require.Equal(t, "internal error", PublicMessage(err))
	require.Contains(t, err.Error(), "relation missing")
}
