package loyalty

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartialFailureError(t *testing.T) {
	err := &PartialFailureError{
		TransactionID: "tx-1",
		Failures: []TaskFailure{
			{TaskID: "a", Err: ErrTaskNotFound},
			{TaskID: "b", Err: &BusyError{Op: "track", Key: "u/b", Attempts: 5}},
		},
	}

	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "2 task(s)")
	assert.True(t, IsRetryable(err))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		client    bool
		notFound  bool
		retryable bool
	}{
		{"invalid amount", fmt.Errorf("%w: got -1", ErrInvalidAmount), true, false, false},
		{"insufficient points", ErrInsufficientPoints, true, false, false},
		{"unknown program", ErrProgramNotFound, false, true, false},
		{"busy", &BusyError{Op: "earn", Key: "p/u", Attempts: 3}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.client, IsClientError(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
