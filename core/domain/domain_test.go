package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())

	assert.True(t, StatusPending.Valid())
	assert.False(t, TaskStatus("processing").Valid())
	assert.False(t, TaskStatus("").Valid())
}

func TestQueueMessageWireFormat(t *testing.T) {
	data, err := json.Marshal(QueueMessage{TaskID: "T1", Description: "Process analytics"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":"T1","description":"Process analytics"}`, string(data))
}
