//go:build linux

package evloop

import (
	"fmt"

	"github.com/vincentwuo/evloop/internal/engine"

	"go.uber.org/zap"
)

// EventCallback is invoked on the loop goroutine when a Channel becomes ready.
type EventCallback func()

// Owner is the logical object a Channel dispatches into, typically a connection.
// Acquire pins the owner for the length of one dispatch and fails once the owner is gone;
// every successful Acquire is paired with a Release.
type Owner interface {
	Acquire() bool
	Release()
}

// Channel binds one file descriptor to an interest mask and the callbacks run when the
// descriptor is ready. It never closes the descriptor, whoever created the Channel does.
//
// Everything except the constructor must be called on the goroutine running the loop.
type Channel struct {
	loop     *EventLoop
	fd       int
	events   uint32
	revents  uint32
	polling  bool
	handling bool
	disposed bool

	tied  bool
	owner Owner

	readCallback  EventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd}
}

func (c *Channel) SetReadCallback(cb EventCallback)  { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCallback = cb }

// Fd, Events, SetRevents, Polling and SetPolling make a Channel an engine.Pollable.

func (c *Channel) Fd() int                   { return c.fd }
func (c *Channel) Events() uint32            { return c.events }
func (c *Channel) Revents() uint32           { return c.revents }
func (c *Channel) SetRevents(revents uint32) { c.revents = revents }
func (c *Channel) Polling() bool             { return c.polling }
func (c *Channel) SetPolling(polling bool)   { c.polling = polling }

func (c *Channel) Loop() *EventLoop { return c.loop }

func (c *Channel) IsNoneEvents() bool { return c.events == engine.NoneEvent }
func (c *Channel) IsReading() bool    { return c.events&engine.ReadEvent != 0 }
func (c *Channel) IsWriting() bool    { return c.events&engine.WriteEvent != 0 }

func (c *Channel) EnableReading() {
	c.events |= engine.ReadEvent
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= engine.ReadEvent
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= engine.WriteEvent
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= engine.WriteEvent
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = engine.NoneEvent
	c.update()
}

// Tie makes every later dispatch conditional on owner still being alive.
func (c *Channel) Tie(owner Owner) {
	c.owner = owner
	c.tied = owner != nil
}

// Owner returns the tied owner, or nil.
func (c *Channel) Owner() Owner {
	return c.owner
}

// Remove unregisters the Channel from its loop's poller. The Channel must be registered.
func (c *Channel) Remove() {
	c.loop.RemoveChannel(c)
}

// Dispose drops the callbacks and the tie so nothing reachable from them is kept alive.
// Disposing from inside the Channel's own dispatch is a programming error.
func (c *Channel) Dispose() {
	if c.handling {
		c.loop.logger.Panic("channel disposed while handling events", zap.Int("fd", c.fd))
	}
	if c.polling {
		c.loop.logger.Warn("channel disposed while still registered", zap.Int("fd", c.fd))
	}
	c.disposed = true
	c.owner = nil
	c.tied = false
	c.readCallback = nil
	c.writeCallback = nil
	c.closeCallback = nil
	c.errorCallback = nil
}

// HandleEvents runs the callbacks matching the last revents reported by the poller.
func (c *Channel) HandleEvents() {
	c.loop.AssertInLoopThread()
	if c.tied {
		if !c.owner.Acquire() {
			// owner is gone, nothing left to deliver to
			return
		}
		defer c.owner.Release()
	}
	c.handleEventsWithGuard()
}

func (c *Channel) handleEventsWithGuard() {
	c.handling = true
	defer func() { c.handling = false }()

	rev := c.revents
	if rev&engine.CloseEvent != 0 && rev&engine.InEvent == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if rev&engine.ErrorEvent != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if rev&engine.ReadyEvents != 0 {
		if c.readCallback != nil {
			c.readCallback()
		}
	}
	if rev&engine.WriteEvent != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

// Handling reports whether a dispatch is in progress.
func (c *Channel) Handling() bool {
	return c.handling
}

func (c *Channel) update() {
	if c.disposed {
		c.loop.logger.Panic("interest changed on a disposed channel", zap.Int("fd", c.fd))
	}
	c.loop.UpdateChannel(c)
}

func (c *Channel) String() string {
	return fmt.Sprintf("fd %d events [%s] revents [%s]",
		c.fd, engine.EventsString(c.events), engine.EventsString(c.revents))
}
