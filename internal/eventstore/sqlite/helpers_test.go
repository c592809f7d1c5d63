package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/Martian-dev/mailsync/internal/sync"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pagedProvider serves total messages; the cursor is the next offset
type pagedProvider struct {
	total int
}

func (p *pagedProvider) OpenSubscription(ctx context.Context) error { return nil }

func (p *pagedProvider) FetchBatch(ctx context.Context, maxSize int, cursor sync.Cursor) (sync.Batch, error) {
	start := 0
	if !cursor.IsZero() {
		start, _ = strconv.Atoi(string(cursor))
	}
	end := min(start+maxSize, p.total)
	var batch sync.Batch
	for i := start; i < end; i++ {
		batch.Messages = append(batch.Messages, sync.Message{ID: fmt.Sprintf("m%d", i)})
	}
	batch.NextCursor = sync.Cursor(strconv.Itoa(max(end, start)))
	return batch, nil
}
