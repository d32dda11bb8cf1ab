package log

import (
	"time"
)

// Recorder stamps events with the fields shared by one connection and
// forwards them to a Logger. A nil *Recorder discards everything.
type Recorder struct {
	logger       Logger
	connectionID string
	protocol     string
	now          func() time.Time
}

// NewRecorder creates a recorder for one connection.
func NewRecorder(logger Logger, connectionID, protocol string) *Recorder {
	return &Recorder{
		logger:       OrNoop(logger),
		connectionID: connectionID,
		protocol:     protocol,
		now:          time.Now,
	}
}

// ConnectionID returns the connection the recorder stamps events with.
func (r *Recorder) ConnectionID() string {
	if r == nil {
		return ""
	}
	return r.connectionID
}

func (r *Recorder) base(layer Layer, category Category, dir Direction) Event {
	return Event{
		Timestamp:    r.now(),
		ConnectionID: r.connectionID,
		Direction:    dir,
		Layer:        layer,
		Category:     category,
		Protocol:     r.protocol,
	}
}

// StateChange records a status transition.
func (r *Recorder) StateChange(layer Layer, entity StateEntity, deviceID, moduleID string, sc StateChangeEvent) {
	if r == nil {
		return
	}
	e := r.base(layer, CategoryState, DirectionIn)
	e.DeviceID, e.ModuleID = deviceID, moduleID
	sc.Entity = entity
	e.StateChange = &sc
	r.logger.Log(e)
}

// Message records a sent or received message.
func (r *Recorder) Message(layer Layer, dir Direction, deviceID, moduleID string, me MessageEvent) {
	if r == nil {
		return
	}
	e := r.base(layer, CategoryMessage, dir)
	e.DeviceID, e.ModuleID = deviceID, moduleID
	e.Message = &me
	r.logger.Log(e)
}

// Registration records the outcome of registering one identity.
func (r *Recorder) Registration(deviceID, moduleID, identity, state string, err error) {
	if r == nil {
		return
	}
	e := r.base(LayerMultiplex, CategoryRegistration, DirectionOut)
	e.DeviceID, e.ModuleID = deviceID, moduleID
	e.Registration = &RegistrationEvent{Identity: identity, State: state}
	if err != nil {
		e.Registration.Error = err.Error()
	}
	r.logger.Log(e)
}

// Error records a classified error.
func (r *Recorder) Error(layer Layer, err error, kind, context string) {
	if r == nil || err == nil {
		return
	}
	e := r.base(layer, CategoryError, DirectionIn)
	e.Error = &ErrorEventData{Layer: layer, Message: err.Error(), Kind: kind, Context: context}
	r.logger.Log(e)
}
