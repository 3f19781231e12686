// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package arm

import (
	"sync"
	"time"

	"github.com/relabs-tech/transfer_arm/internal/cycle"
)

// Snapshot is an immutable copy of the machine state taken at a tick
// boundary. JSON names match the dashboard's status message.
type Snapshot struct {
	State        cycle.State `json:"state"`
	StateSince   time.Time   `json:"stateSince"`
	MotorsMoving bool        `json:"motorsMoving"`

	XPos    int64 `json:"xPos"`
	ZPos    int64 `json:"zPos"`
	XTarget int64 `json:"xTarget"`
	ZTarget int64 `json:"zTarget"`

	XPosInches float64 `json:"xPosInches"`
	ZPosInches float64 `json:"zPosInches"`

	ServoPos      int  `json:"servoPos"`
	Vacuum        bool `json:"vacuum"`
	Handshake     bool `json:"handshake"`
	XMotorEnabled bool `json:"xMotorEnabled"`

	XHome          bool `json:"xHome"`
	ZHome          bool `json:"zHome"`
	StartButton    bool `json:"startButton"`
	UpstreamSignal bool `json:"upstreamSignal"`

	XHomed      bool   `json:"xHomed"`
	ZHomed      bool   `json:"zHomed"`
	Homed       bool   `json:"homed"`
	Homing      bool   `json:"homing"`
	HomingStage string `json:"homingStage,omitempty"`
	HomingError string `json:"homingError,omitempty"`

	CycleID         string `json:"cycleId,omitempty"`
	CyclesCompleted uint64 `json:"cyclesCompleted"`

	Timestamp time.Time `json:"timestamp"`
}

// Event types broadcast to subscribers.
const (
	EventStateChange      = "stateChange"
	EventVacuumChange     = "vacuumChange"
	EventServoChange      = "servoChange"
	EventMovementComplete = "movementComplete"
	EventHoming           = "homing"
	EventLog              = "log"
)

// Event is a discrete change worth telling observers about.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"timestamp"`

	State   string `json:"state,omitempty"`
	From    string `json:"from,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
	CycleID string `json:"cycleId,omitempty"`

	Vacuum   *bool  `json:"vacuum,omitempty"`
	ServoPos *int   `json:"servoPos,omitempty"`
	Axis     string `json:"axis,omitempty"`
	Position *int64 `json:"position,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// hub fans events out to subscribers without ever blocking the control loop.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]chan Event)
	}
	id := h.next
	h.next++
	ch := make(chan Event, buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}
