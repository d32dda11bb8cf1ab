package main

import (
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Reading is one simulated telemetry sample.
type Reading struct {
	DeviceType DeviceType `json:"deviceType"`
	Timestamp  time.Time  `json:"timestamp"`

	// PowerW is positive when consuming and negative when producing.
	PowerW int64 `json:"powerW"`

	// StateOfCharge is the battery charge in percent.
	StateOfCharge *float64 `json:"stateOfCharge,omitempty"`

	Seq uint64 `json:"seq"`
}

// Simulator produces synthetic telemetry for one device type.
type Simulator struct {
	deviceType DeviceType

	mu  sync.Mutex
	seq uint64

	// power is in mW
	power    int64
	override *int64
	soc      float64
}

// NewSimulator creates a simulator for t.
func NewSimulator(t DeviceType) *Simulator {
	return &Simulator{deviceType: t, soc: 50}
}

// SetPower fixes the reported power in kW until ClearPower.
func (s *Simulator) SetPower(kw float64) {
	w := int64(math.Round(kw * 1000))
	s.mu.Lock()
	s.override = &w
	s.mu.Unlock()
}

// ClearPower returns to simulated power.
func (s *Simulator) ClearPower() {
	s.mu.Lock()
	s.override = nil
	s.mu.Unlock()
}

// Next advances the simulation to now and returns the new sample.
func (s *Simulator) Next(now time.Time) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	switch s.deviceType {
	case DeviceTypeEVSE:
		// ramp up to 22 kW, restart at the 1.38 kW minimum
		s.power = (s.power + 1000000) % 22000000
		if s.power == 0 {
			s.power = 1380000
		}
	case DeviceTypeInverter:
		hour := now.Hour()
		if hour >= 6 && hour <= 20 {
			s.power = -int64(10-abs(hour-13)) * 1000000
		} else {
			s.power = 0
		}
	case DeviceTypeBattery:
		// sweep from 4.5 kW discharge to 5 kW charge
		s.power = int64(s.seq%20)*500000 - 4500000
	}

	power := s.power / 1000
	if s.override != nil {
		power = *s.override
	}

	r := Reading{
		DeviceType: s.deviceType,
		Timestamp:  now.UTC(),
		PowerW:     power,
		Seq:        s.seq,
	}
	if s.deviceType == DeviceTypeBattery {
		s.soc = clamp(s.soc+float64(power)/10000, 0, 100)
		soc := s.soc
		r.StateOfCharge = &soc
	}
	return r
}

// Payload encodes r as telemetry JSON.
func (r Reading) Payload() ([]byte, error) {
	return json.Marshal(r)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
