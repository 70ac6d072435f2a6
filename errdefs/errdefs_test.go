package errdefs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		kind      error
		retryable bool
	}{
		{"Nil", nil, nil, false},
		{"Unclassified", errors.New("ring full"), nil, false},
		{"Bare", ErrOutOfMemory, ErrOutOfMemory, false},
		{"Wrapped", errors.Wrap(ErrInvalidArgument, "kernel 0"), ErrInvalidArgument, false},
		{"DoubleWrapped", errors.Wrapf(errors.Wrap(ErrTimeout, "drain"), "close"), ErrTimeout, true},
		{"Reset", errors.Wrap(ErrReset, "hardware task 3"), ErrReset, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, Kind(tc.err))
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}
