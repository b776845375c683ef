package blobrelocator_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	br "gitlab.com/secure-storage/blobrelocator"
)

func TestErrorCode(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("relocate: %w", br.WrapError(br.EUNREACHABLE, cause, "container %s unavailable", "c1"))

	assert.Equal(t, "", br.ErrorCode(nil))
	assert.Equal(t, br.EINTERNAL, br.ErrorCode(cause))
	assert.Equal(t, br.EUNREACHABLE, br.ErrorCode(wrapped))
	assert.Equal(t, "container c1 unavailable", br.ErrorMessage(wrapped))
	assert.Equal(t, "Internal error.", br.ErrorMessage(cause))
	assert.ErrorIs(t, wrapped, cause)
}

func TestErrorCode_OutermostWins(t *testing.T) {
	inner := br.Errorf(br.ECOPYFAILED, "copy failed")
	outer := br.WrapError(br.EUNREACHABLE, inner, "destination unavailable")

	assert.Equal(t, br.EUNREACHABLE, br.ErrorCode(outer))
	assert.Contains(t, outer.Error(), "copy failed")
}
