package crawler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPositionRoundTripThroughJSON(t *testing.T) {
	t.Parallel()

	pos := NewPosition(PlatformFeed, `{"c":"abc|def"}`)
	data, err := json.Marshal(CursorState{TargetID: "feed:alice", LastPosition: pos})
	require.NoError(t, err)

	var state CursorState
	require.NoError(t, json.Unmarshal(data, &state))
	require.True(t, state.LastPosition.Equal(pos))
}

func TestZeroPositionEncodesEmpty(t *testing.T) {
	t.Parallel()

	var pos Position
	require.True(t, pos.IsZero())
	require.Equal(t, "", pos.String())

	parsed, err := ParsePosition("")
	require.NoError(t, err)
	require.True(t, parsed.IsZero())
}

func TestParsePositionRejectsUnknownTag(t *testing.T) {
	t.Parallel()

	_, err := ParsePosition("myspace|123")
	require.Error(t, err)

	_, err = ParsePosition("no-separator")
	require.Error(t, err)
}

func TestTargetIDRoundTrip(t *testing.T) {
	t.Parallel()

	target := Target{Platform: PlatformForum, Identifier: "sp"}
	require.Equal(t, "forum:sp", target.ID())

	parsed, err := ParseTargetID("bsky:alice.bsky.social")
	require.NoError(t, err)
	require.Equal(t, Target{Platform: PlatformFeed, Identifier: "alice.bsky.social"}, parsed)

	_, err = ParseTargetID("forum:")
	require.Error(t, err)
}
