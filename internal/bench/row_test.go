package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRow_OnReturnedValue(t *testing.T) {
	a := newAggregator(t, &mockDispatcher{}, []string{"gpt-4o", "gpt-4o-mini"})

	row, ok := a.Snapshot().Row("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", row.Model)
	assert.Equal(t, StatusIdle, row.Status)

	_, ok = a.Snapshot().Row("missing")
	assert.False(t, ok)
}
