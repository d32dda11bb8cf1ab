package transport

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/message"
)

func TestProtocol(t *testing.T) {
	tests := []struct {
		p           Protocol
		name        string
		ws          bool
		multiplex   int
		port        int
		connectless bool
	}{
		{AMQPS, "AMQPS", false, 1000, 5671, false},
		{AMQPSWebSocket, "AMQPS_WS", true, 500, 443, false},
		{MQTT, "MQTT", false, 0, 8883, false},
		{MQTTWebSocket, "MQTT_WS", true, 0, 443, false},
		{HTTPS, "HTTPS", false, 0, 443, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.p.UsesWebSocket(); got != tt.ws {
				t.Errorf("UsesWebSocket() = %v, want %v", got, tt.ws)
			}
			if got := tt.p.MaxMultiplexed(); got != tt.multiplex {
				t.Errorf("MaxMultiplexed() = %d, want %d", got, tt.multiplex)
			}
			if got := tt.p.SupportsMultiplexing(); got != (tt.multiplex > 0) {
				t.Errorf("SupportsMultiplexing() = %v", got)
			}
			if got := tt.p.Port(); got != tt.port {
				t.Errorf("Port() = %d, want %d", got, tt.port)
			}
			if got := tt.p.IsConnectionless(); got != tt.connectless {
				t.Errorf("IsConnectionless() = %v, want %v", got, tt.connectless)
			}

			parsed, err := ParseProtocol(tt.name)
			if err != nil || parsed != tt.p {
				t.Errorf("ParseProtocol(%q) = %v, %v", tt.name, parsed, err)
			}
		})
	}

	if _, err := ParseProtocol("smtp"); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestNewClientTLSConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg := NewClientTLSConfig(nil, "hub.example.net", nil)
		if cfg.MinVersion != tls.VersionTLS12 {
			t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
		}
		if cfg.ServerName != "hub.example.net" {
			t.Errorf("ServerName = %q", cfg.ServerName)
		}
		if len(cfg.Certificates) != 0 {
			t.Error("no client certificate expected")
		}
	})

	t.Run("ClientCertificate", func(t *testing.T) {
		cert := tls.Certificate{Certificate: [][]byte{{1, 2, 3}}}
		cfg := NewClientTLSConfig(&TLSConfig{ServerName: "override"}, "hub", &auth.Credentials{Certificate: &cert})
		if cfg.ServerName != "override" {
			t.Errorf("ServerName = %q, want override", cfg.ServerName)
		}
		if len(cfg.Certificates) != 1 {
			t.Fatalf("expected one client certificate, got %d", len(cfg.Certificates))
		}
	})
}

func TestLoadRootCAs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(path, []byte("nothing"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRootCAs(path); err == nil {
		t.Error("expected error for file without certificates")
	}
	if _, err := LoadRootCAs(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHandlerFuncs(t *testing.T) {
	var h Handler = HandlerFuncs{}
	h.OnConnectionLost(nil)
	if got := h.OnMessage(message.New(nil)); got != message.Abandon {
		t.Errorf("nil OnMessageFunc = %v, want ABANDON", got)
	}

	var lost error
	h = HandlerFuncs{
		OnConnectionLostFunc: func(err error) { lost = err },
		OnMessageFunc:        func(*message.Message) message.Disposition { return message.Complete },
	}
	h.OnConnectionLost(os.ErrClosed)
	if lost != os.ErrClosed {
		t.Error("OnConnectionLostFunc not called")
	}
	if got := h.OnMessage(message.New(nil)); got != message.Complete {
		t.Errorf("OnMessage = %v, want COMPLETE", got)
	}
}
