package timeline

import (
	"testing"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_EncodeDecode(t *testing.T) {
	cursor := models.MessageCursor{CreatedAt: 1700000000123, Seq: 42, ID: "db-42"}

	token, err := EncodeCursor(cursor)
	require.NoError(t, err)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "/")

	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, cursor, *decoded)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	_, err := DecodeCursor("!!!")
	assert.Error(t, err)

	_, err = DecodeCursor("bm90LWpzb24")
	assert.Error(t, err)
}

func TestOldestCursorAndBefore(t *testing.T) {
	msgs := []models.Message{
		msg("m3", "", 3, 3, models.DeliveryStateSent),
		msg("m1", "", 1, 7, models.DeliveryStateSent),
		msg("m2", "", 2, 2, models.DeliveryStateSent),
	}

	cursor := OldestCursor(msgs)
	require.NotNil(t, cursor)
	assert.Equal(t, models.MessageCursor{CreatedAt: 1, Seq: 7, ID: "m1"}, *cursor)
	assert.Nil(t, OldestCursor(nil))

	assert.True(t, Before(msg("m0", "", 1, 6, models.DeliveryStateSent), *cursor))
	assert.False(t, Before(msgs[1], *cursor))
	assert.False(t, Before(msgs[0], *cursor))
}
