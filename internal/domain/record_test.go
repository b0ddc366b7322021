package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusNoMatch.Terminal())
	assert.True(t, StatusCached.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())

	assert.False(t, StatusReceived.Terminal())
	assert.False(t, StatusMatching.Terminal())
	assert.False(t, StatusExecuting.Terminal())
}

func TestRequestHistory_NewestFirst(t *testing.T) {
	history := NewRequestHistory(8)
	for i := 0; i < 3; i++ {
		history.Append(RequestRecord{ID: fmt.Sprintf("req-%d", i)})
	}

	records := history.Recent(0)
	require.Len(t, records, 3)
	assert.Equal(t, "req-2", records[0].ID)
	assert.Equal(t, "req-1", records[1].ID)
	assert.Equal(t, "req-0", records[2].ID)
}

func TestRequestHistory_EvictsOldest(t *testing.T) {
	history := NewRequestHistory(3)
	for i := 0; i < 5; i++ {
		history.Append(RequestRecord{ID: fmt.Sprintf("req-%d", i)})
	}

	assert.Equal(t, 3, history.Len())
	records := history.Recent(0)
	require.Len(t, records, 3)
	assert.Equal(t, "req-4", records[0].ID)
	assert.Equal(t, "req-2", records[2].ID)
}

func TestRequestHistory_Limit(t *testing.T) {
	history := NewRequestHistory(8)
	for i := 0; i < 5; i++ {
		history.Append(RequestRecord{ID: fmt.Sprintf("req-%d", i)})
	}

	records := history.Recent(2)
	require.Len(t, records, 2)
	assert.Equal(t, "req-4", records[0].ID)

	assert.Len(t, history.Recent(100), 5)
}

func TestRequestHistory_Empty(t *testing.T) {
	history := NewRequestHistory(4)
	assert.Equal(t, 0, history.Len())
	assert.Empty(t, history.Recent(0))
}
