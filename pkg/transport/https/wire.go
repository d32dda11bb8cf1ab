package https

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	"github.com/hubconnect/hubconnect-go/pkg/message"
)

// Header names of the hub's REST surface.
const (
	headerMessageID       = "iothub-messageid"
	headerCorrelationID   = "iothub-correlationid"
	headerUserID          = "iothub-userid"
	headerTo              = "iothub-to"
	headerExpiry          = "iothub-expiry"
	headerContentType     = "iothub-contenttype"
	headerContentEncoding = "iothub-contentencoding"
	headerAppPrefix       = "iothub-app-"

	batchContentType = "application/vnd.microsoft.iothub.json"
)

func identityPath(id auth.Identity) string {
	if id.ModuleID != "" {
		return "/devices/" + id.DeviceID + "/modules/" + id.ModuleID
	}
	return "/devices/" + id.DeviceID
}

func eventsPath(id auth.Identity) string { return identityPath(id) + "/messages/events" }

func deviceBoundPath(id auth.Identity) string { return identityPath(id) + "/messages/deviceBound" }

// setMessageHeaders writes the message's system and application
// properties as request headers.
func setMessageHeaders(h http.Header, msg *message.Message) {
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set(headerMessageID, msg.ID)
	set(headerCorrelationID, msg.CorrelationID)
	set(headerUserID, msg.UserID)
	set(headerTo, msg.To)
	set(headerContentType, msg.ContentType)
	set(headerContentEncoding, msg.ContentEncoding)
	if !msg.ExpiryTime.IsZero() {
		h.Set(headerExpiry, msg.ExpiryTime.UTC().Format(time.RFC3339))
	}
	for k, v := range msg.Properties {
		h.Set(headerAppPrefix+k, v)
	}
}

// messageFromResponse builds a received message from a deviceBound reply.
func messageFromResponse(resp *http.Response, body []byte) *message.Message {
	msg := &message.Message{
		Payload:         body,
		ID:              resp.Header.Get(headerMessageID),
		CorrelationID:   resp.Header.Get(headerCorrelationID),
		UserID:          resp.Header.Get(headerUserID),
		To:              resp.Header.Get(headerTo),
		ContentType:     resp.Header.Get(headerContentType),
		ContentEncoding: resp.Header.Get(headerContentEncoding),
		LockToken:       strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	if exp := resp.Header.Get(headerExpiry); exp != "" {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			msg.ExpiryTime = t
		}
	}
	for k, vs := range resp.Header {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, headerAppPrefix) && len(vs) > 0 {
			msg.SetProperty(strings.TrimPrefix(lk, headerAppPrefix), vs[0])
		}
	}
	return msg
}

// batchItem is one message in a batch upload.
type batchItem struct {
	Body          string            `json:"body"`
	Base64Encoded bool              `json:"base64Encoded"`
	Properties    map[string]string `json:"properties,omitempty"`
}

func encodeBatch(msgs []*message.Message) ([]byte, error) {
	items := make([]batchItem, 0, len(msgs))
	for _, msg := range msgs {
		props := make(map[string]string, len(msg.Properties)+2)
		for k, v := range msg.Properties {
			props[headerAppPrefix+k] = v
		}
		if msg.ID != "" {
			props[headerMessageID] = msg.ID
		}
		if msg.CorrelationID != "" {
			props[headerCorrelationID] = msg.CorrelationID
		}
		items = append(items, batchItem{
			Body:          base64.StdEncoding.EncodeToString(msg.Payload),
			Base64Encoded: true,
			Properties:    props,
		})
	}
	return json.Marshal(items)
}

// errorBody is the hub's JSON error envelope.
type errorBody struct {
	Message          string `json:"Message"`
	ExceptionMessage string `json:"ExceptionMessage"`
}

// responseError maps a non-success response to the failure taxonomy.
func responseError(resp *http.Response, creds *auth.Credentials) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	desc := resp.Status
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
		desc = eb.Message
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &failure.ThrottlingError{
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        &failure.ServiceError{StatusCode: resp.StatusCode, Description: desc},
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &failure.AuthenticationError{
			Identity: creds.Identity.Key(),
			Expired:  creds.IsExpired(time.Now()),
			Err:      &failure.ServiceError{StatusCode: resp.StatusCode, Description: desc},
		}
	}
	return failure.NewServiceError(resp.StatusCode, desc)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
