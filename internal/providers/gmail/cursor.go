package gmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/sync"
)

const cursorVersion = 1

type phase string

const (
	phaseList    phase = "list"
	phaseHistory phase = "history"
)

// cursorState is what a Gmail cursor encodes. While listing, HistoryID is
// the profile history id captured before the first page so that changes
// made during the listing are replayed afterwards.
type cursorState struct {
	V         int    `json:"v"`
	Phase     phase  `json:"phase"`
	PageToken string `json:"page_token,omitempty"`
	HistoryID uint64 `json:"history_id,omitempty"`
}

func encodeCursor(st cursorState) sync.Cursor {
	st.V = cursorVersion
	b, _ := json.Marshal(st)
	return sync.Cursor(base64.RawURLEncoding.EncodeToString(b))
}

func decodeCursor(c sync.Cursor) (cursorState, error) {
	if c.IsZero() {
		return cursorState{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return cursorState{}, fmt.Errorf("decode gmail cursor: %w", err)
	}
	var st cursorState
	if err := json.Unmarshal(raw, &st); err != nil {
		return cursorState{}, fmt.Errorf("decode gmail cursor: %w", err)
	}
	if st.V != cursorVersion {
		return cursorState{}, fmt.Errorf("unsupported gmail cursor version %d", st.V)
	}
	if st.Phase != phaseList && st.Phase != phaseHistory {
		return cursorState{}, fmt.Errorf("unknown gmail cursor phase %q", st.Phase)
	}
	return st, nil
}
