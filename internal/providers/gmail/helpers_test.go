package gmail

import (
	"context"
	"io"
	"log/slog"

	"github.com/Martian-dev/mailsync/internal/sync"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingStore struct {
	n int
}

func (s *countingStore) UpsertBatch(ctx context.Context, accountID string, messages []sync.Message) (int, error) {
	s.n += len(messages)
	return len(messages), nil
}
