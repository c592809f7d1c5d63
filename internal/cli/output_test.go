package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/sync"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", nil)))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitCommandError, "bad", nil))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestExitErrorMessage(t *testing.T) {
	err := WrapExitError(ExitFailure, "sync failed", sync.ErrAccountNotFound)
	assert.Equal(t, "sync failed: account not found", err.Error())
	assert.ErrorIs(t, err, sync.ErrAccountNotFound)
	assert.Equal(t, "no target", WrapExitError(ExitCommandError, "no target", nil).Error())
}

func TestFormatterText(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}

	require.NoError(t, f.Success([]int{1}, "done\n"))
	require.NoError(t, f.Failure(nil, errors.New("boom")))

	assert.Equal(t, "done\nError: boom\n", buf.String())
}

func TestSummarize(t *testing.T) {
	r := sync.Result{
		AccountID:   "acc-1",
		Outcome:     sync.OutcomeSucceeded,
		FinalCursor: "c-3",
		Persisted:   120,
		Inserted:    70,
		Batches:     3,
		Duration:    1500 * time.Millisecond,
	}

	s := summarize(r)
	assert.Equal(t, "succeeded", s.Outcome)
	assert.Equal(t, "c-3", s.FinalCursor)
	assert.EqualValues(t, 1500, s.DurationMS)
	assert.Equal(t, "acc-1: succeeded, 120 messages (70 new) in 3 batches, 1.5s\n", s.String())

	failed := summarize(sync.Result{
		AccountID: "acc-2",
		Err:       &sync.Error{Kind: sync.KindProviderFetch, Batch: 2, Err: errors.New("timeout")},
	})
	assert.Equal(t, "failed", failed.Outcome)
	assert.Contains(t, failed.String(), "timeout")
}
