package utils_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wardenbot/warden/pkg/utils"
)

func TestContextSleep(t *testing.T) {
	t.Parallel()

	t.Run("completes full duration", func(t *testing.T) {
		t.Parallel()

		result := utils.ContextSleep(t.Context(), 10*time.Millisecond)
		assert.Equal(t, utils.SleepCompleted, result)
	})

	t.Run("zero duration completes immediately", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		result := utils.ContextSleep(t.Context(), 0)
		assert.Equal(t, utils.SleepCompleted, result)
		assert.Less(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("negative duration completes immediately", func(t *testing.T) {
		t.Parallel()

		result := utils.ContextSleep(t.Context(), -time.Second)
		assert.Equal(t, utils.SleepCompleted, result)
	})

	t.Run("cancelled during sleep", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(t.Context())

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		result := utils.ContextSleep(ctx, 5*time.Second)
		assert.Equal(t, utils.SleepCancelled, result)
	})
}
