package agentbus

import (
	"context"
	"fmt"
	"strings"
)

// recipientKeys are checked in order by Communicate
var recipientKeys = []string{"recipient", "to", "target"}

// Communicate sends payload, unchanged, to the agent named by its
// "recipient", "to" or "target" key, whichever is set first
func (b *Bus) Communicate(ctx context.Context, from string, payload map[string]any, opts ...SendOption) (string, error) {
	recipient := Recipient(payload)
	if recipient == "" {
		return "", fmt.Errorf("%w: set one of %s", ErrNoRecipient, strings.Join(recipientKeys, ", "))
	}
	return b.Send(ctx, recipient, payload, append([]SendOption{WithFrom(from)}, opts...)...)
}

// Recipient returns the agent a legacy payload is addressed to, or ""
func Recipient(payload map[string]any) string {
	for _, key := range recipientKeys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return ""
}
