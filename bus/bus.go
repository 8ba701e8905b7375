// Package bus is the thin publish/subscribe primitive that fans room
// events out across server processes. Channels are named with the room
// id embedded in the topic suffix, so one pattern subscription per
// logical channel covers every room. Delivery is at-most-once: a client
// that misses a message recovers final state via the snapshot read path.
package bus

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/kv"
)

// Logical channel kinds. The wire channel is "<kind>:<roomId>".
const (
	KindScheduleJobStatus = "room:ai-schedule:status"
	KindScheduleJobResult = "room:ai-schedule:result"
	KindRouteJobStatus    = "room:ai-route:status"
	KindRouteJobResult    = "room:ai-route:result"
	KindScheduleUpdate    = "room:schedule"
	KindPlaceWantAdd      = "room:place-want:add"
	KindPlaceWantRemove   = "room:place-want:remove"
	KindPlaceVote         = "room:place-vote"
)

// Kinds lists every logical channel a process mirrors at startup
var Kinds = []string{
	KindScheduleJobStatus,
	KindScheduleJobResult,
	KindRouteJobStatus,
	KindRouteJobResult,
	KindScheduleUpdate,
	KindPlaceWantAdd,
	KindPlaceWantRemove,
	KindPlaceVote,
}

// Channel builds the wire channel name for a kind and room
func Channel(kind, roomID string) string {
	return kind + ":" + roomID
}

// Pattern builds the subscription pattern covering all rooms of a kind
func Pattern(kind string) string {
	return kind + ":*"
}

// SplitChannel extracts the kind and room id from a wire channel name.
// The room id is the suffix after the last separator.
func SplitChannel(channel string) (kind, roomID string, ok bool) {
	idx := strings.LastIndex(channel, ":")
	if idx < 0 || idx == len(channel)-1 {
		return "", "", false
	}
	return channel[:idx], channel[idx+1:], true
}

// Envelope is the wire format for every bus message. RoomID is
// duplicated from the channel suffix so bridges can route on the
// payload alone.
type Envelope struct {
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

// Publisher publishes room events onto the bus
type Publisher struct {
	store kv.Store
	log   *zap.SugaredLogger
}

// NewPublisher creates a Publisher over the shared store
func NewPublisher(store kv.Store, log *zap.SugaredLogger) *Publisher {
	return &Publisher{store: store, log: log.Named("bus")}
}

// Publish marshals data into an Envelope and publishes it on the kind's
// room channel
func (p *Publisher) Publish(ctx context.Context, kind, roomID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal payload for %s", kind)
	}

	envelope, err := json.Marshal(Envelope{RoomID: roomID, Data: raw})
	if err != nil {
		return errors.Wrapf(err, "failed to marshal envelope for %s", kind)
	}

	if err := p.store.Publish(ctx, Channel(kind, roomID), string(envelope)); err != nil {
		return errors.Wrapf(err, "failed to publish on %s", Channel(kind, roomID))
	}
	return nil
}

// TryPublish publishes best-effort: failures are logged and swallowed.
// Losing one fan-out message is tolerable; aborting the operation that
// produced it is not.
func (p *Publisher) TryPublish(ctx context.Context, kind, roomID string, data interface{}) {
	if err := p.Publish(ctx, kind, roomID, data); err != nil {
		p.log.Warnw("Best-effort publish failed",
			"kind", kind,
			"room_id", roomID,
			"error", err,
		)
	}
}

// DecodeEnvelope parses a raw bus payload
func DecodeEnvelope(payload string) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, errors.Wrap(err, "failed to decode bus envelope")
	}
	return &envelope, nil
}
