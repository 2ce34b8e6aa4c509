package msgbus

import (
	"context"
)

type messageContextKey struct{}

type messageContext struct {
	conn *Conn
	msg  *Message
}

func withContextMessage(ctx context.Context, c *Conn, m *Message) context.Context {
	return context.WithValue(ctx, messageContextKey{}, messageContext{c, m})
}

// ContextMessage returns the message being handled, in the context
// passed to a method or signal handler.
func ContextMessage(ctx context.Context) (*Message, bool) {
	v, ok := ctx.Value(messageContextKey{}).(messageContext)
	if !ok {
		return nil, false
	}
	return v.msg, true
}

// ContextConn returns the Conn that received the message being
// handled, in the context passed to a method or signal handler.
func ContextConn(ctx context.Context) (*Conn, bool) {
	v, ok := ctx.Value(messageContextKey{}).(messageContext)
	if !ok {
		return nil, false
	}
	return v.conn, true
}

// ContextSender returns the unique name of the sender of the message
// being handled.
func ContextSender(ctx context.Context) (string, bool) {
	m, ok := ContextMessage(ctx)
	if !ok || m.Sender == "" {
		return "", false
	}
	return m.Sender, true
}
