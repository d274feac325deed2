package kafka

import (
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestEventHeaders(t *testing.T) {
	m := kafka.Message{Headers: EventHeaders("OrderCreated", 1)}

	assert.Equal(t, "OrderCreated", HeaderValue(m, "x-event-type"))
	assert.Equal(t, "1", HeaderValue(m, "x-event-version"))
	assert.Empty(t, HeaderValue(m, "missing"))
}

func TestUnwrapPayload(t *testing.T) {
	type payload struct {
		OrderID string `json:"order_id"`
	}

	got, err := UnwrapPayload[payload](MustMarshal(payload{OrderID: "o-1"}))
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.OrderID)

	_, err = UnwrapPayload[payload]([]byte(`{bad`))
	assert.ErrorContains(t, err, "decode payload")
}
