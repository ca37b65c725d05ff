package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer mirrors records into the SQLite events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = w.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,stream,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), rec.Type, rec.Stream, nullable(rec.EntityID), nullable(rec.ActorID), string(data))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
