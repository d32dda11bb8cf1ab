package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

// Connection string keys.
const (
	keyHostName              = "HostName"
	keyDeviceID              = "DeviceId"
	keyModuleID              = "ModuleId"
	keySharedAccessKey       = "SharedAccessKey"
	keySharedAccessKeyName   = "SharedAccessKeyName"
	keySharedAccessSignature = "SharedAccessSignature"
	keyGatewayHostName       = "GatewayHostName"
	keyX509                  = "x509"
)

// Identity names a device or a module on a device.
type Identity struct {
	DeviceID string
	ModuleID string
}

// Key returns "device" or "device/module". It is the map key used by
// multiplexing and routing.
func (i Identity) Key() string {
	if i.ModuleID == "" {
		return i.DeviceID
	}
	return i.DeviceID + "/" + i.ModuleID
}

// String returns Key().
func (i Identity) String() string { return i.Key() }

// ResourcePath returns the hub-relative path of the identity,
// "devices/{d}" or "devices/{d}/modules/{m}".
func (i Identity) ResourcePath() string {
	if i.ModuleID == "" {
		return "devices/" + i.DeviceID
	}
	return "devices/" + i.DeviceID + "/modules/" + i.ModuleID
}

// ConnectionString is a parsed device connection string.
type ConnectionString struct {
	HostName              string
	GatewayHostName       string
	Identity              Identity
	SharedAccessKey       string
	SharedAccessKeyName   string
	SharedAccessSignature string
	X509                  bool
}

// ParseConnectionString parses "HostName=...;DeviceId=...;SharedAccessKey=...".
// Exactly one of SharedAccessKey, SharedAccessSignature or x509=true must be set.
func ParseConnectionString(s string) (*ConnectionString, error) {
	cs := &ConnectionString{}
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		// Values are base64 and may contain '='.
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return nil, &failure.ConfigurationError{Field: "connection string", Err: fmt.Errorf("malformed segment %q", part)}
		}
		switch key {
		case keyHostName:
			cs.HostName = value
		case keyDeviceID:
			cs.Identity.DeviceID = value
		case keyModuleID:
			cs.Identity.ModuleID = value
		case keySharedAccessKey:
			cs.SharedAccessKey = value
		case keySharedAccessKeyName:
			cs.SharedAccessKeyName = value
		case keySharedAccessSignature:
			cs.SharedAccessSignature = value
		case keyGatewayHostName:
			cs.GatewayHostName = value
		case keyX509:
			cs.X509 = strings.EqualFold(value, "true")
		default:
			return nil, &failure.ConfigurationError{Field: "connection string", Err: fmt.Errorf("unknown key %q", key)}
		}
	}

	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

// Validate checks that the required fields are present and that exactly
// one authentication method is selected.
func (cs *ConnectionString) Validate() error {
	if cs.HostName == "" {
		return &failure.ConfigurationError{Field: keyHostName, Err: errors.New("missing")}
	}
	if cs.Identity.DeviceID == "" {
		return &failure.ConfigurationError{Field: keyDeviceID, Err: errors.New("missing")}
	}

	methods := 0
	if cs.SharedAccessKey != "" {
		methods++
	}
	if cs.SharedAccessSignature != "" {
		methods++
	}
	if cs.X509 {
		methods++
	}
	if methods != 1 {
		return &failure.ConfigurationError{
			Field: "authentication",
			Err:   fmt.Errorf("exactly one of %s, %s or %s=true is required", keySharedAccessKey, keySharedAccessSignature, keyX509),
		}
	}
	return nil
}

// EndpointHost returns the gateway host when set, otherwise the hub host.
func (cs *ConnectionString) EndpointHost() string {
	if cs.GatewayHostName != "" {
		return cs.GatewayHostName
	}
	return cs.HostName
}

// String renders the connection string with secrets masked.
func (cs *ConnectionString) String() string {
	parts := []string{keyHostName + "=" + cs.HostName, keyDeviceID + "=" + cs.Identity.DeviceID}
	if cs.Identity.ModuleID != "" {
		parts = append(parts, keyModuleID+"="+cs.Identity.ModuleID)
	}
	if cs.SharedAccessKeyName != "" {
		parts = append(parts, keySharedAccessKeyName+"="+cs.SharedAccessKeyName)
	}
	if cs.SharedAccessKey != "" {
		parts = append(parts, keySharedAccessKey+"=****")
	}
	if cs.SharedAccessSignature != "" {
		parts = append(parts, keySharedAccessSignature+"=****")
	}
	if cs.X509 {
		parts = append(parts, keyX509+"=true")
	}
	if cs.GatewayHostName != "" {
		parts = append(parts, keyGatewayHostName+"="+cs.GatewayHostName)
	}
	return strings.Join(parts, ";")
}
