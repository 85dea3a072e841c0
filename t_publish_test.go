package bunny

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jondeandres/bunny/frame"
)

// TestPublishPropertiesVerbatim tests that every content property set on
// publish arrives unchanged on the consuming side.
func TestPublishPropertiesVerbatim(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-props")

	require.NoError(t, q.Publish([]byte(`{"op":"charge"}`),
		WithContentType("application/json"),
		WithContentEncoding("identity"),
		WithReplyTo("reply-here"),
		WithCorrelationId("corr-42"),
		WithUserId("svc-billing"),
		WithMessageId("msg-1"),
		WithAppId("billing"),
		WithType("charge.requested"),
		WithExpiration("60000"),
		WithPriority(7),
		WithTimestamp(1700000000),
		WithHeaders(frame.Table{"x-retry": "3", "x-source": "edge"}),
		WithPersistent(),
	))

	d, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)

	p := d.Properties
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "identity", p.ContentEncoding)
	assert.Equal(t, "reply-here", p.ReplyTo)
	assert.Equal(t, "corr-42", p.CorrelationId)
	assert.Equal(t, "svc-billing", p.UserId)
	assert.Equal(t, "msg-1", p.MessageId)
	assert.Equal(t, "billing", p.AppId)
	assert.Equal(t, "charge.requested", p.Type)
	assert.Equal(t, "60000", p.Expiration)
	assert.Equal(t, uint8(7), p.Priority)
	assert.Equal(t, uint64(1700000000), p.Timestamp)
	assert.Equal(t, frame.Table{"x-retry": "3", "x-source": "edge"}, p.Headers)
	assert.Equal(t, frame.Persistent, p.DeliveryMode)
}

// TestPublishContentTypeSniffed tests detection of the content type when
// none is given.
func TestPublishContentTypeSniffed(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-sniff")

	cases := []struct {
		body []byte
		want string
	}{
		{[]byte(`{"event":"signup","id":7}`), "application/json"},
		{[]byte("plain old text"), "text/plain"},
		{[]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, "image/png"},
	}

	for _, tc := range cases {
		require.NoError(t, q.Publish(tc.body))
		d, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, d.Properties.ContentType, tc.want,
			"body %q sniffed as %q", tc.body, d.Properties.ContentType)
	}
}

// TestPublishExplicitContentTypeWins tests that an explicit content type is
// never overridden by detection.
func TestPublishExplicitContentTypeWins(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-ct-explicit")

	require.NoError(t, q.Publish([]byte(`{"looks":"like json"}`),
		WithContentType("application/x-custom")))

	d, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "application/x-custom", d.Properties.ContentType)
}

// TestPublishEmptyBody tests that an empty body round-trips and is not
// content-type sniffed.
func TestPublishEmptyBody(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-empty-body")

	require.NoError(t, q.Publish(nil))

	d, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, d.Payload)
	assert.Equal(t, "", d.Properties.ContentType)
}

// TestPublishDefaultsToTransient tests the delivery mode default.
func TestPublishDefaultsToTransient(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-transient")

	require.NoError(t, q.Publish([]byte("fleeting")))

	d, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, frame.Transient, d.Properties.DeliveryMode)
}

// TestPublishLargeBody tests that a body larger than the frame size is split
// on the wire and reassembled byte for byte.
func TestPublishLargeBody(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-large")

	// Well past the default frame size so the body spans several frames
	body := make([]byte, 300_000)
	for i := range body {
		body[i] = byte(i % 251)
	}

	require.NoError(t, q.Publish(body))

	d, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(body), len(d.Payload))
	assert.True(t, bytes.Equal(body, d.Payload), "reassembled body differs")
}

// TestPublishManySmallMessagesKeepsOrder tests FIFO ordering through the
// default exchange under a quick burst.
func TestPublishManySmallMessagesKeepsOrder(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-ordered")

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, q.Publish([]byte{byte(i)}))
	}

	for i := 0; i < n; i++ {
		d, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok, "message %d missing", i)
		require.Equal(t, byte(i), d.Payload[0], "message %d out of order", i)
	}
}
