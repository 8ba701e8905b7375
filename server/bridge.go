package server

import (
	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/kv"
)

// startBridge subscribes to every logical bus channel across all rooms
// and re-emits each message to the room's locally connected clients.
// Delivery is at-most-once end to end: the bus does not replay, and a
// slow local client drops rather than blocks.
func (s *TripServer) startBridge() error {
	patterns := make([]string, 0, len(bus.Kinds))
	for _, kind := range bus.Kinds {
		patterns = append(patterns, bus.Pattern(kind))
	}

	sub, err := s.kvStore.PSubscribe(s.ctx, patterns...)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Close()

		for {
			select {
			case <-s.ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					s.logger.Warnw("Bus subscription closed, bridge stopping")
					return
				}
				s.bridgeMessage(msg)
			}
		}
	}()

	s.logger.Infow("Bus bridge started", "patterns", len(patterns))
	return nil
}

func (s *TripServer) bridgeMessage(msg kv.Message) {
	kind, roomID, ok := bus.SplitChannel(msg.Channel)
	if !ok {
		s.logger.Warnw("Unroutable bus channel", "channel", msg.Channel)
		return
	}

	envelope, err := bus.DecodeEnvelope(msg.Payload)
	if err != nil {
		s.logger.Warnw("Corrupt bus message",
			"channel", msg.Channel,
			"error", err,
		)
		return
	}

	// The envelope's room id wins over the channel suffix when both are
	// present; they only diverge if a publisher misroutes
	if envelope.RoomID != "" {
		roomID = envelope.RoomID
	}

	s.broadcastToRoom(roomID, roomEvent{
		Type:   kind,
		RoomID: roomID,
		Data:   envelope.Data,
	})
}
