package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("merging: %w", Conflict("approval request has already been merged"))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, Is(err, KindConflict))
	assert.False(t, Is(nil, KindConflict))
	assert.Equal(t, KindStorage, KindOf(errors.New("boom")))
}

func TestStorageHidesCause(t *testing.T) {
	cause := errors.New("pq: relation does not exist")
	err := Storage(cause)
	assert.Equal(t, "storage operation failed", err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation: http.StatusBadRequest,
		KindBadRequest: http.StatusBadRequest,
		KindNotFound:   http.StatusNotFound,
		KindConflict:   http.StatusConflict,
		KindForbidden:  http.StatusForbidden,
		KindStorage:    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind)
	}
}
