package amqp

import (
	"errors"
	"fmt"
	"net"
	"time"

	goamqp "github.com/Azure/go-amqp"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	"github.com/hubconnect/hubconnect-go/pkg/message"
)

// Hub specific error conditions.
const (
	condThrottled  goamqp.ErrCond = "com.microsoft:device-container-throttled"
	condServerBusy goamqp.ErrCond = "com.microsoft:server-busy"
	condTimeout    goamqp.ErrCond = "com.microsoft:timeout"
)

// telemetryAddress is the sender target of id.
func telemetryAddress(id auth.Identity) string {
	if id.ModuleID != "" {
		return "/devices/" + id.DeviceID + "/modules/" + id.ModuleID + "/messages/events"
	}
	return "/devices/" + id.DeviceID + "/messages/events"
}

// c2dAddress is the receiver source of id.
func c2dAddress(id auth.Identity) string {
	if id.ModuleID != "" {
		return "/devices/" + id.DeviceID + "/modules/" + id.ModuleID + "/messages/events"
	}
	return "/devices/" + id.DeviceID + "/messages/devicebound"
}

// toAMQP converts an outgoing message.
func toAMQP(msg *message.Message) *goamqp.Message {
	m := goamqp.NewMessage(msg.Payload)
	props := &goamqp.MessageProperties{}
	if msg.ID != "" {
		props.MessageID = msg.ID
	}
	if msg.CorrelationID != "" {
		props.CorrelationID = msg.CorrelationID
	}
	if msg.UserID != "" {
		props.UserID = []byte(msg.UserID)
	}
	if msg.To != "" {
		props.To = &msg.To
	}
	if msg.ContentType != "" {
		props.ContentType = &msg.ContentType
	}
	if msg.ContentEncoding != "" {
		props.ContentEncoding = &msg.ContentEncoding
	}
	if !msg.CreatedAt.IsZero() {
		created := msg.CreatedAt.UTC()
		props.CreationTime = &created
	}
	if !msg.ExpiryTime.IsZero() {
		expiry := msg.ExpiryTime.UTC()
		props.AbsoluteExpiryTime = &expiry
	}
	m.Properties = props

	if len(msg.Properties) > 0 {
		m.ApplicationProperties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
	}
	return m
}

// fromAMQP converts a received message.
func fromAMQP(m *goamqp.Message) *message.Message {
	msg := &message.Message{Payload: m.GetData()}
	if p := m.Properties; p != nil {
		msg.ID = stringify(p.MessageID)
		msg.CorrelationID = stringify(p.CorrelationID)
		msg.UserID = string(p.UserID)
		if p.To != nil {
			msg.To = *p.To
		}
		if p.ContentType != nil {
			msg.ContentType = *p.ContentType
		}
		if p.ContentEncoding != nil {
			msg.ContentEncoding = *p.ContentEncoding
		}
		if p.CreationTime != nil {
			msg.CreatedAt = *p.CreationTime
		}
		if p.AbsoluteExpiryTime != nil {
			msg.ExpiryTime = *p.AbsoluteExpiryTime
		}
	}
	for k, v := range m.ApplicationProperties {
		msg.SetProperty(k, stringify(v))
	}
	return msg
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// mapError translates go-amqp errors into the failure taxonomy.
func mapError(id auth.Identity, expired bool, err error) error {
	if err == nil {
		return nil
	}

	var remote *goamqp.Error
	var connErr *goamqp.ConnError
	var sessErr *goamqp.SessionError
	var linkErr *goamqp.LinkError
	switch {
	case errors.As(err, &connErr) && connErr.RemoteErr != nil:
		remote = connErr.RemoteErr
	case errors.As(err, &sessErr) && sessErr.RemoteErr != nil:
		remote = sessErr.RemoteErr
	case errors.As(err, &linkErr) && linkErr.RemoteErr != nil:
		remote = linkErr.RemoteErr
	default:
		errors.As(err, &remote)
	}

	if remote != nil {
		switch remote.Condition {
		case goamqp.ErrCondUnauthorizedAccess:
			return &failure.AuthenticationError{Identity: id.Key(), Expired: expired, Err: err}
		case goamqp.ErrCondResourceLimitExceeded, condThrottled, condServerBusy:
			return &failure.ThrottlingError{Err: err}
		case goamqp.ErrCondConnectionForced, goamqp.ErrCondDetachForced:
			return &failure.RemoteCloseError{Err: err}
		case goamqp.ErrCondNotFound, goamqp.ErrCondInvalidField, goamqp.ErrCondNotAllowed,
			goamqp.ErrCondDecodeError, goamqp.ErrCondNotImplemented:
			return &failure.ConfigurationError{Field: "amqp", Err: err}
		default:
			return &failure.TransientNetworkError{Op: "amqp", Err: err}
		}
	}

	var netErr net.Error
	if connErr != nil || sessErr != nil || linkErr != nil || errors.As(err, &netErr) {
		return &failure.TransientNetworkError{Op: "amqp", Err: err}
	}
	return err
}

// isConnectionLevel reports whether err ended the whole connection rather
// than a single link.
func isConnectionLevel(err error) bool {
	var connErr *goamqp.ConnError
	var sessErr *goamqp.SessionError
	return errors.As(err, &connErr) || errors.As(err, &sessErr)
}

func tokenExpired(creds *auth.Credentials) bool {
	return creds != nil && creds.IsExpired(time.Now())
}
