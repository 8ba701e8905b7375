package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/kv"
)

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "room:schedule:room1", Channel(KindScheduleUpdate, "room1"))
	assert.Equal(t, "room:schedule:*", Pattern(KindScheduleUpdate))

	kind, roomID, ok := SplitChannel("room:ai-schedule:status:room1")
	require.True(t, ok)
	assert.Equal(t, KindScheduleJobStatus, kind)
	assert.Equal(t, "room1", roomID)

	_, _, ok = SplitChannel("nocolon")
	assert.False(t, ok)
	_, _, ok = SplitChannel("trailing:")
	assert.False(t, ok)
}

func TestEveryKindPatternMatchesItsChannel(t *testing.T) {
	// Kind names contain colons themselves, so the room id must always
	// come back out as the last segment
	for _, kind := range Kinds {
		got, roomID, ok := SplitChannel(Channel(kind, "room1"))
		require.True(t, ok, kind)
		assert.Equal(t, kind, got)
		assert.Equal(t, "room1", roomID)
	}
}

func TestPublishWrapsInEnvelope(t *testing.T) {
	memory := kv.NewMemoryStore()
	publisher := NewPublisher(memory, zap.NewNop().Sugar())
	ctx := context.Background()

	sub, err := memory.PSubscribe(ctx, Pattern(KindPlaceVote))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, publisher.Publish(ctx, KindPlaceVote, "room1", map[string]int{"voteCount": 2}))

	msg := <-sub.Messages()
	assert.Equal(t, Channel(KindPlaceVote, "room1"), msg.Channel)

	envelope, err := DecodeEnvelope(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "room1", envelope.RoomID)

	var data map[string]int
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, 2, data["voteCount"])
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope("not json")
	assert.Error(t, err)
}
