package server

import (
	"encoding/json"
)

// roomEvent is the single JSON shape pushed to WebSocket clients,
// discriminated by type. Type is the bus channel kind the event arrived
// on, so clients route on the same names the backend uses.
type roomEvent struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

// broadcastToRoom sends an event to every client connected to the room
// on this process. Sends never block: a client whose queue is full
// misses the event and recovers via the snapshot endpoints.
func (s *TripServer) broadcastToRoom(roomID string, event roomEvent) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.rooms[roomID]))
	for client := range s.rooms[roomID] {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- event:
			sent++
		default:
			s.logger.Warnw("Client send queue full, dropping event",
				"client_id", client.id,
				"room_id", roomID,
				"type", event.Type,
			)
		}
	}
	return sent
}
