package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPropertiesCopy tests that Copy detaches the header table from the
// original while carrying every scalar field.
func TestPropertiesCopy(t *testing.T) {
	orig := Properties{
		ContentType:   "application/json",
		CorrelationId: "abc-123",
		DeliveryMode:  Persistent,
		Priority:      5,
		Timestamp:     1700000000,
		Headers:       Table{"x-retry": "3", "x-source": "edge"},
	}

	cp := orig.Copy()
	assert.Equal(t, orig, cp)

	cp.Headers["x-retry"] = "4"
	cp.Headers["x-new"] = "added"
	assert.Equal(t, "3", orig.Headers["x-retry"], "copy must not alias the original table")
	assert.NotContains(t, orig.Headers, "x-new")

	orig.Headers["x-source"] = "core"
	assert.Equal(t, "edge", cp.Headers["x-source"])
}

// TestPropertiesCopyNilHeaders tests that a nil table stays nil instead of
// materializing an empty map.
func TestPropertiesCopyNilHeaders(t *testing.T) {
	cp := Properties{ContentType: "text/plain"}.Copy()
	assert.Nil(t, cp.Headers)
	assert.Equal(t, "text/plain", cp.ContentType)
}
