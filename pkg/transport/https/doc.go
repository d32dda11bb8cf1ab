// Package https implements the connectionless HTTPS transport.
//
// Events are posted to /devices/{id}/messages/events. Cloud-to-device
// messages are polled from /devices/{id}/messages/deviceBound and settled
// by ETag: DELETE completes, DELETE ?reject rejects and POST .../abandon
// returns the message to the queue.
//
// Connect only validates and stores the credentials, so the connection
// manager sees a single DISCONNECTED to CONNECTED transition. Every
// request failure is classified on its own. SAS tokens are renewed
// through Config.Refresh once 85% of their lifetime has passed; a token
// that expires without renewal ends the session and is reported once as
// connection loss.
package https
