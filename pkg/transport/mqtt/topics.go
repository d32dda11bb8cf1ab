package mqtt

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/message"
)

// System property keys carried in the topic property bag.
const (
	propMessageID       = "$.mid"
	propCorrelationID   = "$.cid"
	propUserID          = "$.uid"
	propTo              = "$.to"
	propContentType     = "$.ct"
	propContentEncoding = "$.ce"
	propCreationTime    = "$.ctime"
	propExpiryTime      = "$.exp"
)

// telemetryTopic returns the publish topic of msg sent by id, including
// the url-encoded property bag.
func telemetryTopic(id auth.Identity, msg *message.Message) string {
	var b strings.Builder
	b.WriteString("devices/")
	b.WriteString(id.DeviceID)
	if id.ModuleID != "" {
		b.WriteString("/modules/")
		b.WriteString(id.ModuleID)
	}
	b.WriteString("/messages/events/")
	b.WriteString(encodeProperties(msg))
	return b.String()
}

// c2dTopicFilter returns the subscription filter for messages sent to id.
func c2dTopicFilter(id auth.Identity) string {
	if id.ModuleID != "" {
		return "devices/" + id.DeviceID + "/modules/" + id.ModuleID + "/inputs/#"
	}
	return "devices/" + id.DeviceID + "/messages/devicebound/#"
}

func encodeProperties(msg *message.Message) string {
	pairs := make([]string, 0, len(msg.Properties)+6)
	add := func(k, v string) {
		if v != "" {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}

	add(propMessageID, msg.ID)
	add(propCorrelationID, msg.CorrelationID)
	add(propUserID, msg.UserID)
	add(propTo, msg.To)
	add(propContentType, msg.ContentType)
	add(propContentEncoding, msg.ContentEncoding)
	if !msg.CreatedAt.IsZero() {
		add(propCreationTime, msg.CreatedAt.UTC().Format(time.RFC3339Nano))
	}

	keys := make([]string, 0, len(msg.Properties))
	for k := range msg.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, msg.Properties[k])
	}
	return strings.Join(pairs, "&")
}

// parseC2DTopic builds a message from a received topic. The property bag
// is the last topic segment, if any.
func parseC2DTopic(topic string, payload []byte) *message.Message {
	msg := &message.Message{Payload: payload}

	var bag string
	if i := strings.Index(topic, "/messages/devicebound/"); i >= 0 {
		bag = topic[i+len("/messages/devicebound/"):]
	} else if i := strings.Index(topic, "/inputs/"); i >= 0 {
		rest := topic[i+len("/inputs/"):]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			bag = rest[j+1:]
		}
	}

	values, err := url.ParseQuery(bag)
	if err != nil {
		return msg
	}
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		v := vs[0]
		switch k {
		case propMessageID:
			msg.ID = v
		case propCorrelationID:
			msg.CorrelationID = v
		case propUserID:
			msg.UserID = v
		case propTo:
			msg.To = v
		case propContentType:
			msg.ContentType = v
		case propContentEncoding:
			msg.ContentEncoding = v
		case propExpiryTime:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				msg.ExpiryTime = t
			}
		case propCreationTime:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.CreatedAt = t
			}
		default:
			msg.SetProperty(k, v)
		}
	}
	return msg
}

// username returns the CONNECT user name the hub expects.
func username(host string, id auth.Identity, apiVersion, productInfo string) string {
	q := url.Values{}
	q.Set("api-version", apiVersion)
	if productInfo != "" {
		q.Set("DeviceClientType", productInfo)
	}
	return host + "/" + id.Key() + "/?" + q.Encode()
}
