package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "tr_9f2c1"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "tr_9f2c1", cursor.ID)
}

func TestDecodeEmptyIsFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsForgedCursors(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		"bm9zZXBhcmF0b3I", // "noseparator"
		Encode(time.Now(), ""),
		"eDp0cl8x", // "x:tr_1", timestamp not numeric
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalid, "cursor %q", s)
	}
}

func TestComputePageLastPage(t *testing.T) {
	transfers := []string{"tr_1", "tr_2", "tr_3"}
	page, cursor, hasMore := ComputePage(transfers, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePageOverfetchTrims(t *testing.T) {
	transfers := []string{"tr_1", "tr_2", "tr_3", "tr_4"}
	page, cursor, hasMore := ComputePage(transfers, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "tr_3", c.ID, "cursor continues after the last row served")
}

func TestComputePageExactLimit(t *testing.T) {
	transfers := []string{"tr_1", "tr_2", "tr_3"}
	page, cursor, hasMore := ComputePage(transfers, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
