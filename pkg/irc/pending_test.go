// Copyright 2024-2026 Aiku AI

package irc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/tribridge/pkg/event"
)

func TestPendingSendsFIFO(t *testing.T) {
	t.Parallel()
	p := newPendingSends()
	p.push("a", event.Discord, "d1", 2, false)
	p.push("a", event.XMPP, "x1", 1, false)
	p.push("b", event.Discord, "d2", 1, false)
	p.push("a", event.Discord, "ignored", 0, false)

	got, first, ok := p.pop("a")
	require.True(t, ok)
	assert.True(t, first)
	assert.Equal(t, "d1", got.messageID)

	got, first, ok = p.pop("a")
	require.True(t, ok)
	assert.False(t, first)
	assert.Equal(t, "d1", got.messageID)

	got, first, ok = p.pop("a")
	require.True(t, ok)
	assert.True(t, first)
	assert.Equal(t, event.XMPP, got.origin)

	_, _, ok = p.pop("a")
	assert.False(t, ok)
	assert.Equal(t, 1, p.len("b"))
}

func TestPendingSendsExpire(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	p := newPendingSends()
	p.now = func() time.Time { return now }
	p.push("a", event.Discord, "old", 1, false)
	now = now.Add(pendingTTL + time.Second)
	p.push("a", event.Discord, "new", 1, false)

	got, _, ok := p.pop("a")
	require.True(t, ok)
	assert.Equal(t, "new", got.messageID)
	assert.Zero(t, p.len("a"))
}

func TestPendingSendsBounded(t *testing.T) {
	t.Parallel()
	p := newPendingSends()
	for range pendingLimit + 10 {
		p.push("a", event.Discord, "d", 1, false)
	}
	assert.Equal(t, pendingLimit, p.len("a"))
}

func TestPendingSendsCancel(t *testing.T) {
	t.Parallel()
	p := newPendingSends()
	failed := p.push("a", event.Discord, "d-fail", 3, false)
	p.push("a", event.Discord, "d-ok", 1, false)

	// One line of three made it out before the failure.
	p.cancel("a", failed, 2)
	got, first, ok := p.pop("a")
	require.True(t, ok)
	assert.True(t, first)
	assert.Equal(t, "d-fail", got.messageID)

	got, _, ok = p.pop("a")
	require.True(t, ok)
	assert.Equal(t, "d-ok", got.messageID)

	// Nothing went out: the entry is withdrawn entirely.
	gone := p.push("a", event.Discord, "d-none", 2, false)
	p.push("a", event.XMPP, "x-ok", 1, true)
	p.cancel("a", gone, 2)
	got, _, ok = p.pop("a")
	require.True(t, ok)
	assert.Equal(t, "x-ok", got.messageID)
	assert.True(t, got.edit)
	assert.Zero(t, p.len("a"))

	p.cancel("a", nil, 1)
}

func TestSanitizeNick(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		display string
		suffix  string
		want    string
	}{
		{"plain", "alice", "/d", "alice/d"},
		{"spaces", "Alice Smith", "", "Alice-Smith"},
		{"multibyte run", "zoë ✨ x", "", "zo-x"},
		{"leading digit", "1337", "/x", "_1337/x"},
		{"only symbols", "✨✨", "", "user"},
		{"trimmed dashes", " -bob- ", "", "bob"},
		{"truncated", "abcdefghijklmnopqrstuvwxyzabcdefgh", "/d", "abcdefghijklmnopqrstuvwxyzab/d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SanitizeNick(tt.display, tt.suffix))
			assert.LessOrEqual(t, len(SanitizeNick(tt.display, tt.suffix)), maxRelayNick)
		})
	}
}

func TestRelaySuffix(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/d", relaySuffix("/", false, event.Discord))
	assert.Equal(t, "|x", relaySuffix("|", false, event.XMPP))
	assert.Equal(t, "/x", relaySuffix("", true, event.XMPP))
	assert.Empty(t, relaySuffix("", false, event.Discord))
}
