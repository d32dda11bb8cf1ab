package connection

import "github.com/hubconnect/hubconnect-go/pkg/message"

// OnStatusChange adds a listener that receives userCtx with every change.
func OnStatusChange[T any](m *Manager, fn func(StatusChange, T), userCtx T) {
	m.OnStatusChange(func(c StatusChange) {
		fn(c, userCtx)
	})
}

// SendEventAsyncWithContext is SendEventAsync with a typed caller context
// passed back to the completion callback.
func SendEventAsyncWithContext[T any](m *Manager, msg *message.Message, fn func(error, T), userCtx T) error {
	return m.SendEventAsync(msg, func(err error) {
		fn(err, userCtx)
	})
}

// OpenAsyncWithContext is OpenAsync with a typed caller context.
func OpenAsyncWithContext[T any](m *Manager, withRetry bool, fn func(error, T), userCtx T) {
	m.OpenAsync(withRetry, func(err error) {
		fn(err, userCtx)
	})
}
