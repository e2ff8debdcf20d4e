package ble

import "fmt"

// dispatchLoop drains the transport's notification stream and routes each
// command and setting response to its waiting caller. Bad frames are logged
// and skipped; only the end of the stream or Close stops the loop.
func (c *Client) dispatchLoop() {
	// Deferred calls run in reverse: release callers, mark the loop done,
	// then run the disconnect hook so it may call Close.
	defer c.notifyDisconnect()
	defer c.wg.Done()
	defer c.shutdown()

	asm := map[Endpoint]*assembler{
		EndpointCommandResponse: {},
		EndpointSettingsResp:    {},
	}
	notes := c.transport.Notifications()
	for {
		select {
		case <-c.done:
			return
		case n, ok := <-notes:
			if !ok {
				c.logger.Warn("ble notification stream ended")
				return
			}
			c.handleNotification(asm, n)
		}
	}
}

func (c *Client) handleNotification(asms map[Endpoint]*assembler, n Notification) {
	c.logger.Debug("ble notification", "endpoint", n.Endpoint, "data", fmt.Sprintf("%X", n.Data))

	var reg *Registry
	switch n.Endpoint {
	case EndpointCommandResponse:
		reg = c.registry
	case EndpointSettingsResp:
		reg = c.settings
	default:
		c.emitUnsolicited(n)
		return
	}

	body, complete, err := asms[n.Endpoint].push(n.Data)
	if err != nil {
		c.logger.Warn("ble malformed notification", "err", err, "data", fmt.Sprintf("%X", n.Data))
		return
	}
	if !complete {
		return
	}

	f, err := decodeBody(body)
	if err != nil {
		c.logger.Warn("ble decode error", "err", err, "data", fmt.Sprintf("%X", body))
		return
	}

	if reg.Deliver(f) {
		return
	}
	c.logger.Info("ble orphaned response",
		"endpoint", n.Endpoint,
		"id", fmt.Sprintf("0x%02X", uint8(f.Command)),
		"status", f.Status,
		"payload", fmt.Sprintf("%X", f.Payload))
	c.emitUnsolicited(n)
}

func (c *Client) emitUnsolicited(n Notification) {
	c.handlerMu.RLock()
	h := c.onUnsolicited
	c.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("unsolicited handler panic", "panic", r)
		}
	}()
	h(n)
}

// shutdown releases every pending caller with ErrConnectionClosed.
func (c *Client) shutdown() {
	c.registry.Close()
	c.settings.Close()
	close(c.exited)
}

func (c *Client) notifyDisconnect() {
	c.handlerMu.RLock()
	h := c.onDisconnect
	c.handlerMu.RUnlock()
	if h != nil {
		h()
	}
}
