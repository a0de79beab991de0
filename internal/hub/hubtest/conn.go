// Package hubtest provides a recording hub.Conn for tests.
package hubtest

import (
	"encoding/json"
	"sync"
)

type Event struct {
	Name    string
	Payload json.RawMessage
}

// Conn records every emitted event as JSON.
type Conn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []Event
	closed bool
}

func NewConn(id, userID string) *Conn {
	return &Conn{id: id, userID: userID}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{Name: event, Payload: data})
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns the recorded events named name, or all events when name is
// empty.
func (c *Conn) Events(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
