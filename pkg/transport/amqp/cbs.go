package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

const (
	cbsAddress   = "$cbs"
	cbsReplyTo   = "cbs"
	cbsTokenType = "azure-devices.net:sastoken"
)

type linkSender interface {
	Send(ctx context.Context, msg *goamqp.Message, opts *goamqp.SendOptions) error
	Close(ctx context.Context) error
}

type linkReceiver interface {
	Receive(ctx context.Context, opts *goamqp.ReceiveOptions) (*goamqp.Message, error)
	AcceptMessage(ctx context.Context, msg *goamqp.Message) error
	Close(ctx context.Context) error
}

// cbs performs claims-based authorization on the $cbs node. Requests are
// serialized: the node answers in order and replies are matched by
// correlation ID.
type cbs struct {
	mu       sync.Mutex
	sender   linkSender
	receiver linkReceiver
}

func openCBS(ctx context.Context, session *goamqp.Session) (*cbs, error) {
	sender, err := session.NewSender(ctx, cbsAddress, nil)
	if err != nil {
		return nil, fmt.Errorf("open cbs sender: %w", err)
	}
	receiver, err := session.NewReceiver(ctx, cbsAddress, &goamqp.ReceiverOptions{TargetAddress: cbsReplyTo})
	if err != nil {
		_ = sender.Close(ctx)
		return nil, fmt.Errorf("open cbs receiver: %w", err)
	}
	return &cbs{sender: sender, receiver: receiver}, nil
}

// putToken authorizes creds.Audience with creds.SASToken.
func (c *cbs) putToken(ctx context.Context, creds *auth.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	replyTo := cbsReplyTo
	req := &goamqp.Message{
		Value: creds.SASToken,
		Properties: &goamqp.MessageProperties{
			MessageID: id,
			ReplyTo:   &replyTo,
		},
		ApplicationProperties: map[string]any{
			"operation": "put-token",
			"type":      cbsTokenType,
			"name":      creds.Audience,
		},
	}
	if !creds.ExpiresAt.IsZero() {
		req.ApplicationProperties["expiration"] = creds.ExpiresAt.UTC().Format(time.RFC3339)
	}

	if err := c.sender.Send(ctx, req, nil); err != nil {
		return fmt.Errorf("send put-token: %w", err)
	}

	for {
		resp, err := c.receiver.Receive(ctx, nil)
		if err != nil {
			return fmt.Errorf("await put-token reply: %w", err)
		}
		_ = c.receiver.AcceptMessage(ctx, resp)
		if resp.Properties != nil && stringify(resp.Properties.CorrelationID) != id {
			continue
		}
		return cbsResult(creds, resp)
	}
}

func (c *cbs) close(ctx context.Context) {
	_ = c.receiver.Close(ctx)
	_ = c.sender.Close(ctx)
}

// cbsResult maps the status-code of a put-token reply.
func cbsResult(creds *auth.Credentials, resp *goamqp.Message) error {
	code := 0
	switch v := resp.ApplicationProperties["status-code"].(type) {
	case int32:
		code = int(v)
	case int64:
		code = int(v)
	case int:
		code = v
	}
	desc := stringify(resp.ApplicationProperties["status-description"])

	if code == 200 || code == 202 {
		return nil
	}
	if code == 0 {
		return &failure.TransientNetworkError{Op: "put-token", Err: fmt.Errorf("reply without status-code")}
	}
	err := failure.NewServiceError(code, desc)
	if code == 401 || code == 403 {
		return &failure.AuthenticationError{Identity: creds.Identity.Key(), Expired: tokenExpired(creds), Err: err}
	}
	return err
}
