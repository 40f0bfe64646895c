package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := newHistory(3)
	for i := 1; i <= 5; i++ {
		h.add(&Message{ID: fmt.Sprintf("m%d", i)})
	}

	got := h.recent()
	require.Len(t, got, 3)
	assert.Equal(t, "m3", got[0].ID, "oldest surviving message comes first")
	assert.Equal(t, "m4", got[1].ID)
	assert.Equal(t, "m5", got[2].ID)
}

func TestHistoryRecentBelowCapacity(t *testing.T) {
	h := newHistory(10)
	h.add(&Message{ID: "only"})

	got := h.recent()
	require.Len(t, got, 1)
	assert.Equal(t, "only", got[0].ID)
}
