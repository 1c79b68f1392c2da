package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRow feeds fixed column values to scanEvent.
type eventRow struct {
	payload []byte
}

func (r eventRow) Scan(dest ...any) error {
	*dest[0].(*int64) = 7
	*dest[1].(*sql.NullString) = sql.NullString{String: "pos-1", Valid: true}
	*dest[2].(*sql.NullString) = sql.NullString{}
	*dest[3].(*string) = "PositionTicked"
	*dest[4].(*[]byte) = r.payload
	*dest[5].(*time.Time) = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return nil
}

func TestScanEvent(t *testing.T) {
	t.Run("decodes payload", func(t *testing.T) {
		e, err := scanEvent(eventRow{payload: []byte(`{"price":"52"}`)})
		require.NoError(t, err)
		assert.Equal(t, int64(7), e.ID)
		require.NotNil(t, e.PositionID)
		assert.Equal(t, "pos-1", *e.PositionID)
		assert.Nil(t, e.Ticker)
		assert.Equal(t, map[string]any{"price": "52"}, e.PayloadJSON)
	})

	t.Run("corrupt payload is an error", func(t *testing.T) {
		_, err := scanEvent(eventRow{payload: []byte(`{"price":`)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "event 7 payload")
	})
}
