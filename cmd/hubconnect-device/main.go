// Command hubconnect-device runs one or more simulated devices against
// the hub.
//
// Usage:
//
//	hubconnect-device [flags]
//
// Flags:
//
//	-config string             YAML configuration file
//	-connection-string string  Device connection string
//	-protocol string           MQTT, MQTT_WS, AMQPS, AMQPS_WS or HTTPS (default "MQTT")
//	-type string               Device type: evse, inverter, battery (default "evse")
//	-interval duration         Telemetry interval (default 5s)
//	-log-level string          Log level: debug, info, warn, error (default "info")
//	-protocol-log string       Write protocol events to this .hlog file
//	-simulate                  Send simulated telemetry (default true)
//	-interactive               Start the interactive console
//	-max-attempts int          Limit reconnection attempts (0 = policy default)
//	-cert-file string          Client certificate for x509=true connection strings
//	-key-file string           Client key for x509=true connection strings
//	-gen-cert                  Write a self-signed certificate to -cert-file/-key-file and exit
//
// Settings also come from HUBCONNECT_* environment variables. Flags win
// over the environment, which wins over the config file.
//
// Examples:
//
//	# One EVSE over MQTT
//	hubconnect-device -connection-string "HostName=...;DeviceId=evse1;SharedAccessKey=..."
//
//	# Self-signed X.509 device; register the printed thumbprint with the hub
//	hubconnect-device -gen-cert -cert-file dev.pem -key-file dev.key \
//		-connection-string "HostName=...;DeviceId=evse1;x509=true"
//
//	# Several batteries sharing one AMQP connection
//	hubconnect-device -config fleet.yaml -protocol AMQPS -type battery
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/cmd/hubconnect-device/interactive"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if cfg.GenCert {
		if err := generateCert(cfg, os.Stdout); err != nil {
			logger.WithError(err).Error("certificate generation failed")
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("device stopped")
		os.Exit(1)
	}
}

// loadConfig applies defaults, the config file, the environment and
// explicitly set flags, in that order.
func loadConfig(args []string) (Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("hubconnect-device", flag.ContinueOnError)
	configFile := fs.String("config", "", "YAML configuration file")
	connStr := fs.String("connection-string", "", "Device connection string")
	protocol := fs.String("protocol", cfg.Protocol, "Transport protocol: MQTT, MQTT_WS, AMQPS, AMQPS_WS, HTTPS")
	devType := fs.String("type", string(cfg.Type), "Device type: evse, inverter, battery")
	interval := fs.Duration("interval", cfg.Interval, "Telemetry interval")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	protocolLog := fs.String("protocol-log", "", "Write protocol events to this .hlog file")
	simulate := fs.Bool("simulate", cfg.Simulate, "Send simulated telemetry")
	interact := fs.Bool("interactive", false, "Start the interactive console")
	maxAttempts := fs.Int("max-attempts", 0, "Limit reconnection attempts (0 = policy default)")
	certFile := fs.String("cert-file", "", "Client certificate for x509=true connection strings")
	keyFile := fs.String("key-file", "", "Client key for x509=true connection strings")
	genCert := fs.Bool("gen-cert", false, "Write a self-signed certificate to -cert-file/-key-file and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "connection-string":
			cfg.ConnectionString = *connStr
		case "protocol":
			cfg.Protocol = *protocol
		case "type":
			cfg.Type = DeviceType(*devType)
		case "interval":
			cfg.Interval = *interval
		case "log-level":
			cfg.LogLevel = *logLevel
		case "protocol-log":
			cfg.ProtocolLog = *protocolLog
		case "simulate":
			cfg.Simulate = *simulate
		case "interactive":
			cfg.Interactive = *interact
		case "max-attempts":
			cfg.Retry.MaxAttempts = *maxAttempts
		case "cert-file":
			cfg.CertFile = *certFile
		case "key-file":
			cfg.KeyFile = *keyFile
		case "gen-cert":
			cfg.GenCert = *genCert
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newLogger(level string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l.WithField("app", "hubconnect-device"), nil
}

// protocolLogger returns the protocol event sink and a function that
// flushes and closes it.
func protocolLogger(cfg Config, logger *logrus.Entry) (hublog.Logger, func(), error) {
	debug := hublog.NewLogrusAdapter(logger.WithField("component", "protocol")).WithLevel(logrus.DebugLevel)
	if cfg.ProtocolLog == "" {
		return debug, func() {}, nil
	}
	fl, err := hublog.NewRotatingFileLogger(cfg.ProtocolLog, int64(cfg.ProtocolLogMaxMB)<<20)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol log: %w", err)
	}
	logger.WithField("path", cfg.ProtocolLog).Info("protocol logging enabled")
	closeFn := func() {
		if err := fl.Close(); err != nil {
			logger.WithError(err).Warn("closing protocol log")
		}
		if n := fl.Dropped(); n > 0 {
			logger.WithField("dropped", n).Warn("protocol events dropped")
		}
	}
	return hublog.NewMultiLogger(fl, debug), closeFn, nil
}

func run(cfg Config, logger *logrus.Entry) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	plog, closeLog, err := protocolLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.WithFields(logrus.Fields{
		"version":  version.Current,
		"protocol": cfg.Protocol,
		"type":     cfg.Type,
		"devices":  len(cfg.Connections()),
	}).Info("starting")

	a, err := newApp(cfg, logger, plog)
	if err != nil {
		return err
	}

	var console *interactive.Console
	if cfg.Interactive {
		if console, err = interactive.New(a); err != nil {
			return err
		}
		logger.Logger.SetOutput(console.Stdout())
	}

	if err := a.Open(ctx); err != nil {
		// Partial failures leave the other devices running.
		logger.WithError(err).Error("open failed")
	}
	if cfg.Simulate {
		a.StartSimulation()
	}

	if console != nil {
		go console.Run(ctx, cancel)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	a.StopSimulation()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	return a.shutdown(closeCtx)
}
