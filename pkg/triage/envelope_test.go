package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeTriageEnvelopeFromIngestFull(t *testing.T) {
	ingest := map[string]any{
		"sender_address": " Ops@Example.com ",
		"source_channel": "slack",
		"thread_id":      "T123",
		"headers": map[string]any{
			"X-Priority": "1",
		},
		"payload": map[string]any{
			"raw": map[string]any{
				"mime_parts": []any{"text/plain", "image/png"},
			},
			"attachments": []any{
				map[string]any{"media_type": "application/pdf"},
			},
		},
	}

	env := MakeTriageEnvelopeFromIngest(ingest)

	assert.Equal(t, "ops@example.com", env.SenderAddress)
	assert.Equal(t, "slack", env.SourceChannel)
	assert.Equal(t, "T123", env.ThreadID)
	assert.Equal(t, "1", env.Headers["X-Priority"])
	assert.ElementsMatch(t, []string{"text/plain", "image/png", "application/pdf"}, env.MIMETypes)
}

func TestMakeTriageEnvelopeFromIngestEmpty(t *testing.T) {
	env := MakeTriageEnvelopeFromIngest(map[string]any{})

	assert.Empty(t, env.SenderAddress)
	assert.Empty(t, env.SourceChannel)
	assert.Empty(t, env.ThreadID)
	assert.Empty(t, env.Headers)
	assert.Empty(t, env.MIMETypes)
}

func TestMakeTriageEnvelopeFromIngestMalformedShapesIgnored(t *testing.T) {
	ingest := map[string]any{
		"sender_address": 42,
		"headers":        "not-a-map",
		"payload":        "not-a-map-either",
	}

	assert.NotPanics(t, func() {
		env := MakeTriageEnvelopeFromIngest(ingest)
		assert.Empty(t, env.SenderAddress)
		assert.Empty(t, env.MIMETypes)
	})
}
