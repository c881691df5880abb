package projection

import (
	"context"
	"encoding/json"

	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// Materialize drains cur in catch-up mode and folds every row into a View.
// Used by the protocol layer to build agent-invocation history and by the
// httpapi stats endpoint.
func Materialize(ctx context.Context, cur *session.Cursor) (View, error) {
	rows, err := drain(ctx, cur)
	if err != nil {
		return View{}, err
	}
	return Fold(rows), nil
}

func drain(ctx context.Context, cur *session.Cursor) ([]wire.Row, error) {
	var rows []wire.Row
	offset := store.Zero
	for {
		batch, err := cur.Next(ctx, offset, store.ModeCatchup)
		if err != nil {
			return nil, err
		}
		for _, rec := range batch.Records {
			var row wire.Row
			if err := json.Unmarshal(rec.Bytes, &row); err != nil {
				continue
			}
			row.Offset = string(rec.Offset)
			rows = append(rows, row)
		}
		if batch.UpToDate || len(batch.Records) == 0 {
			return rows, nil
		}
		offset = batch.NextOffset
	}
}
