package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_TransientClasses(t *testing.T) {
	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassConnReset, Classify(fmt.Errorf("dial: %w", syscall.ECONNRESET)))
	assert.Equal(t, ClassConnReset, Classify(syscall.ECONNREFUSED))
	assert.Equal(t, ClassRateLimit, Classify(fmt.Errorf("llm call: %w", ErrRateLimited)))

	for _, c := range []Class{ClassTimeout, ClassRateLimit, ClassConnReset} {
		assert.True(t, c.Transient(), "%s must be transient", c)
	}
}

func TestClassify_PermanentClasses(t *testing.T) {
	assert.Equal(t, ClassValidation, Classify(fmt.Errorf("bad payload: %w", ErrValidation)))
	assert.Equal(t, ClassUnauthorized, Classify(ErrUnauthorized))
	assert.Equal(t, ClassNotFound, Classify(fmt.Errorf("doc: %w", ErrNotFound)))
	assert.Equal(t, ClassUnknown, Classify(errors.New("something else")))

	for _, c := range []Class{ClassValidation, ClassUnauthorized, ClassNotFound, ClassUnknown} {
		assert.False(t, c.Transient(), "%s must not be transient", c)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_NetTimeout(t *testing.T) {
	assert.Equal(t, ClassTimeout, Classify(fmt.Errorf("read: %w", timeoutErr{})))
}
