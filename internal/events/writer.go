package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"karya/internal/domain"
)

// Writer appends audit rows inside the caller's transaction, so an event is
// recorded exactly when its mutation commits.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, boxID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,box_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, entityKind, nullable(entityID), nullable(boxID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
