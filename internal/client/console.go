package client

import (
	"encoding/json"

	"github.com/sweetlink/sweetlink/internal/console"
	"github.com/sweetlink/sweetlink/internal/protocol"
)

// Record makes Client a console.Sink: the host routes its log calls here.
func (c *Client) Record(level protocol.ConsoleLevel, args ...any) {
	c.RecordEvent(console.NewEvent(level, args, c.opts.Now()))
}

// RecordEvent buffers an already built event and schedules a flush.
func (c *Client) RecordEvent(ev protocol.ConsoleEvent) {
	c.buffer.Append(ev)
	c.mu.Lock()
	c.scheduleFlushLocked()
	c.mu.Unlock()
}

// BufferedConsole returns the events waiting to be flushed.
func (c *Client) BufferedConsole() []protocol.ConsoleEvent {
	return c.buffer.Snapshot()
}

// scheduleFlushLocked arms the flush timer unless one is already pending.
func (c *Client) scheduleFlushLocked() {
	if c.flushTimer != nil || c.closed {
		return
	}
	c.flushTimer = c.opts.AfterFunc(c.opts.FlushDelay, c.flushConsole)
}

// flushConsole sends everything buffered in one message. Without an open
// connection the events stay buffered.
func (c *Client) flushConsole() {
	c.mu.Lock()
	c.flushTimer = nil
	h := c.handle
	if h == nil || !h.open {
		c.mu.Unlock()
		return
	}
	sock := h.socket
	id := h.bootstrap.SessionID
	c.mu.Unlock()

	events := c.encodable(c.buffer.Drain())
	if len(events) == 0 {
		return
	}
	err := sock.WriteJSON(protocol.ConsoleMessage{Kind: protocol.KindConsole, SessionID: id, Events: events})
	if err != nil {
		c.logger.Debug().Err(err).Int("events", len(events)).Msg("Console flush failed")
		// Put them back in front of anything logged meanwhile, still capped.
		rest := c.buffer.Drain()
		c.buffer.Append(events...)
		c.buffer.Append(rest...)
	}
}

// encodable drops events that cannot be written as JSON so one bad event
// cannot hold back the rest of the buffer.
func (c *Client) encodable(events []protocol.ConsoleEvent) []protocol.ConsoleEvent {
	kept := events[:0]
	for _, ev := range events {
		if _, err := json.Marshal(ev); err != nil {
			c.logger.Warn().Err(err).Str("event", ev.ID).Msg("Dropping unencodable console event")
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}

var _ console.Sink = (*Client)(nil)
