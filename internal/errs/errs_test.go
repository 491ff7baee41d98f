package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   Kind
	}{
		{"code wins over status", http.StatusBadRequest, CodeResourceDoesNotExist, KindNotFound},
		{"exists", http.StatusBadRequest, CodeResourceExists, KindAlreadyExists},
		{"invalid", http.StatusBadRequest, CodeInvalidParameter, KindInvalid},
		{"throttled code", http.StatusBadRequest, CodeRequestLimitExceeded, KindTransient},
		{"plain 404", http.StatusNotFound, "", KindNotFound},
		{"plain 409", http.StatusConflict, "", KindAlreadyExists},
		{"forbidden", http.StatusForbidden, "", KindPermissionDenied},
		{"429", http.StatusTooManyRequests, "", KindTransient},
		{"503", http.StatusServiceUnavailable, "", KindTransient},
		{"500 with internal code", http.StatusInternalServerError, CodeInternalError, KindTransient},
		{"418", http.StatusTeapot, "", KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromResponse("op", tt.status, tt.code, "")
			assert.Equal(t, tt.want, e.Kind)
			assert.NotEmpty(t, e.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("import run: %w", E(KindNotFound, "runs/get", errors.New("gone")))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsNotFound(wrapped))

	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindPermanent, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.False(t, IsTransient(nil))
}

func TestErrorString(t *testing.T) {
	e := FromResponse("experiments/get", http.StatusNotFound, CodeResourceDoesNotExist, "no experiment 7")
	assert.Equal(t, "experiments/get: no experiment 7 (RESOURCE_DOES_NOT_EXIST)", e.Error())

	e2 := Errorf(KindInvalid, "", "bad filter %q", "x=")
	assert.Equal(t, `bad filter "x="`, e2.Error())
}
