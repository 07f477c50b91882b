package handlers

import (
	"github.com/gofiber/websocket/v2"
)

// StateSocket pushes a state snapshot over the websocket on every change.
// The client never sends payloads; its read side only signals disconnect.
func StateSocket(deps Deps) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		updates := deps.Manager.Subscribe()
		defer deps.Manager.Unsubscribe(updates)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := c.WriteJSON(deps.Manager.State()); err != nil {
			return
		}

		for {
			select {
			case <-done:
				return
			case state := <-updates:
				if err := c.WriteJSON(state); err != nil {
					return
				}
			}
		}
	}
}
