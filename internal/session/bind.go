package session

import (
	"encoding/json"
	"log"

	"github.com/mercato/chat-sync/internal/protocol"
	"github.com/mercato/chat-sync/internal/socket"
)

// Bind attaches a live event channel connection to the controller: its
// outbound surface becomes the controller's channel, and every inbound event
// kind is routed to the matching handler. Dispatch starts only after all
// handlers are registered, so events arriving at connect time (the server's
// initial presence broadcasts) are not lost. Malformed payloads are logged
// and dropped; they never interrupt the session.
func (c *Controller) Bind(ch *socket.Client) {
	c.AttachChannel(ch)

	ch.On(protocol.EventNewMessage, func(raw json.RawMessage) {
		var ev protocol.NewMessageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("session: bad newMessage event: %v", err)
			return
		}
		c.HandleNewMessage(ev.Message)
	})

	ch.On(protocol.EventTyping, func(raw json.RawMessage) {
		var ev protocol.TypingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("session: bad typing event: %v", err)
			return
		}
		c.HandleTyping(ev.ChatID, ev.UserID)
	})

	ch.On(protocol.EventStopTyping, func(raw json.RawMessage) {
		var ev protocol.StopTypingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("session: bad stopTyping event: %v", err)
			return
		}
		c.HandleStopTyping(ev.ChatID, ev.UserID)
	})

	ch.On(protocol.EventUserOnline, func(raw json.RawMessage) {
		var ev protocol.UserOnlineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("session: bad userOnline event: %v", err)
			return
		}
		c.HandleUserOnline(ev.UserID)
	})

	ch.On(protocol.EventUserOffline, func(raw json.RawMessage) {
		var ev protocol.UserOfflineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("session: bad userOffline event: %v", err)
			return
		}
		c.HandleUserOffline(ev.UserID)
	})

	ch.On(protocol.EventMessageRead, func(raw json.RawMessage) {
		var ev protocol.MessageReadEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("session: bad messageRead event: %v", err)
			return
		}
		c.HandleMessageRead(ev.MessageID, ev.UserID, ev.ReadAt)
	})

	ch.Start()
}
