// Package log provides structured protocol logging for the device client.
//
// This package defines the Logger interface and Event types for capturing
// connection status changes, messages, multiplexing registrations and
// classified errors. It is separate from operational logging (logrus):
// protocol capture is a complete machine-readable trace for debugging
// reconnection behavior after the fact.
//
// # Basic Usage
//
//	// For development: log to console via logrus
//	opts.ProtocolLogger = log.NewLogrusAdapter(logrus.NewEntry(logrus.StandardLogger()))
//
//	// For production: write to binary file
//	opts.ProtocolLogger, _ = log.NewFileLogger("/var/log/hubconnect/device.hlog")
//
//	// Both: use MultiLogger
//	opts.ProtocolLogger = log.NewMultiLogger(adapter, fileLogger)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with the .hlog extension.
// The hubconnect-log tool views, filters and summarizes them.
package log
