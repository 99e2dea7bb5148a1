package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/INLOpen/emberstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"Nil", nil, OutcomeSuccess},
		{"Cancelled", core.ErrCancelled, OutcomeCancelled},
		{"ContextCanceled", context.Canceled, OutcomeCancelled},
		{"WrappedCancelled", fmt.Errorf("stage 1: %w", core.ErrCancelled), OutcomeCancelled},
		{"Deadline", context.DeadlineExceeded, OutcomeTimeout},
		{"Interrupted", ErrInterrupted, OutcomeInterrupted},
		{"Failure", io.ErrUnexpectedEOF, OutcomeError},
		{"Invariant", &core.InvariantError{Op: "Evicted", Detail: "negative"}, OutcomeError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
	assert.Equal(t, "interrupted", OutcomeInterrupted.String())
}

func TestTask_RunOnce(t *testing.T) {
	calls := 0
	task := NewTask(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.Nil(t, task.Err())
	task.Run()
	task.Run()
	assert.Equal(t, 1, calls)
	assert.NoError(t, task.Wait(context.Background()))
	assert.False(t, task.IsCancelled())
	select {
	case <-task.Done():
	default:
		t.Fatal("Done not closed after Run")
	}
}

func TestTask_ReturnsBodyError(t *testing.T) {
	boom := errors.New("boom")
	task := NewTask(context.Background(), func(ctx context.Context) error { return boom })
	task.Run()
	assert.ErrorIs(t, task.Err(), boom)
	assert.Equal(t, OutcomeError, Classify(task.Err()))
}

func TestTask_CancelMapsContextErrorToCause(t *testing.T) {
	testCases := []struct {
		name   string
		cancel func(*Task)
		want   Outcome
	}{
		{"Cancel", (*Task).Cancel, OutcomeCancelled},
		{"Interrupt", (*Task).Interrupt, OutcomeInterrupted},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			started := make(chan struct{})
			task := NewTask(context.Background(), func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
			go task.Run()
			<-started
			tc.cancel(task)
			err := task.Wait(context.Background())
			assert.Equal(t, tc.want, Classify(err))
			assert.True(t, task.IsCancelled())
		})
	}
}

func TestTask_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancelCause(context.Background())
	task := NewTask(parent, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel(ErrInterrupted)
	task.Run()
	assert.ErrorIs(t, task.Err(), ErrInterrupted)
}

func TestTask_GetTimeout(t *testing.T) {
	release := make(chan struct{})
	task := NewTask(context.Background(), func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	go task.Run()

	err := task.Get(20 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, OutcomeTimeout, Classify(err))
	assert.False(t, task.IsCancelled())

	close(release)
	assert.NoError(t, task.Get(time.Second))
}

func TestTask_WaitContext(t *testing.T) {
	task := NewTask(context.Background(), func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.Canceled)
}
