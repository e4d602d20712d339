package agentbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipient(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"recipient wins", map[string]any{"recipient": "codex", "to": "operator"}, "codex"},
		{"to", map[string]any{"to": "codex"}, "codex"},
		{"target", map[string]any{"target": " codex "}, "codex"},
		{"empty recipient falls through", map[string]any{"recipient": "", "target": "codex"}, "codex"},
		{"none", map[string]any{"msg": "ping"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recipient(tt.payload))
		})
	}
}

func TestCommunicate(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, testConfig(t))
	register(t, b, "codex", "operator")

	payload := map[string]any{"target": "codex", "msg": "ping"}
	id, err := b.Communicate(ctx, "operator", payload)
	require.NoError(t, err)

	d := receive(t, b, "codex")
	assert.Equal(t, id, d.ID)
	assert.Equal(t, "operator", d.Envelope.From)
	assert.Equal(t, payload, d.Payload())

	_, err = b.Communicate(ctx, "operator", map[string]any{"msg": "ping"})
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = b.Communicate(ctx, "operator", map[string]any{"to": "ghost"})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}
