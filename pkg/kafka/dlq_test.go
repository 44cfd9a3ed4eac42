package kafka

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDLQMessage(t *testing.T) {
	msg := Message{
		Topic:     "security_events",
		Partition: 3,
		Offset:    42,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Key:       []byte("e1"),
		Value:     []byte(`{"event_id":"e1"}`),
		Headers:   map[string]string{"tenant_id": "t1"},
	}

	b, err := EncodeDLQMessage(msg, errors.New("shape error"), "argus-ingest")
	require.NoError(t, err)

	var payload DLQPayload
	require.NoError(t, json.Unmarshal(b, &payload))
	assert.Equal(t, "security_events", payload.Topic)
	assert.Equal(t, int32(3), payload.Partition)
	assert.Equal(t, int64(42), payload.Offset)
	assert.Equal(t, "shape error", payload.Error)
	assert.Equal(t, "argus-ingest", payload.Consumer)
	assert.Equal(t, base64.StdEncoding.EncodeToString(msg.Value), payload.ValueBase64)
	assert.Equal(t, base64.StdEncoding.EncodeToString(msg.Key), payload.KeyBase64)
}
