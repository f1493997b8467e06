package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/workspace-sync/internal/types"
)

func TestHTTPStatusMapping(t *testing.T) {
	conflict := &DivergenceConflict{Conflict: types.PushConflict{Type: types.ConflictVectorClockDivergence}}
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("verify: %w", ErrAuthentication), http.StatusUnauthorized},
		{fmt.Errorf("scope: %w", ErrAuthorization), http.StatusForbidden},
		{fmt.Errorf("push: %w", conflict), http.StatusConflict},
		{Malformed("bad batch"), http.StatusBadRequest},
		{ErrTransientTransport, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
	assert.Equal(t, types.ConflictVectorClockDivergence, Code(conflict))
}

func TestHTTPErrorUnwrapsToSentinel(t *testing.T) {
	assert.ErrorIs(t, &HTTPError{StatusCode: http.StatusUnauthorized}, ErrAuthentication)
	assert.ErrorIs(t, &HTTPError{StatusCode: http.StatusForbidden}, ErrAuthorization)
	assert.ErrorIs(t, &HTTPError{StatusCode: http.StatusBadGateway}, ErrTransientTransport)

	divergent := &HTTPError{StatusCode: http.StatusConflict, Conflict: &types.PushConflict{Divergence: 120, Threshold: 100}}
	assert.ErrorIs(t, divergent, ErrDivergence)

	var conflict *DivergenceConflict
	if assert.ErrorAs(t, divergent, &conflict) {
		assert.Equal(t, uint64(120), conflict.Conflict.Divergence)
	}
}
