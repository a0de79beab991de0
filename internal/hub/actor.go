package hub

import "pawkeeper-live/internal/model"

// Actor is the user performing an operation. Conn is the connection the
// request arrived on and is nil for HTTP callers.
type Actor struct {
	User model.User
	Conn Conn
}

func (a Actor) UserID() string { return a.User.ID }
