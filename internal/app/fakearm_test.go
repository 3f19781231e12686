package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/cycle"
	"github.com/relabs-tech/transfer_arm/internal/hw"
	"github.com/relabs-tech/transfer_arm/internal/settings"
)

// fakeArm records calls and answers with canned errors.
type fakeArm struct {
	mu       sync.Mutex
	snap     arm.Snapshot
	settings settings.Settings
	xDrive   bool
	calls    []string
	fail     map[string]error
	events   chan arm.Event
}

func newFakeArm() *fakeArm {
	return &fakeArm{
		snap:     arm.Snapshot{State: cycle.Idle, Homed: true, ServoPos: 10},
		settings: settings.Defaults(),
		xDrive:   true,
		fail:     map[string]error{},
		events:   make(chan arm.Event, 16),
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func (f *fakeArm) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	name := call
	for i, r := range call {
		if r == ' ' {
			name = call[:i]
			break
		}
	}
	return f.fail[name]
}

func (f *fakeArm) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeArm) Snapshot() arm.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeArm) Settings() settings.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeArm) Subscribe(int) (<-chan arm.Event, func()) {
	return f.events, func() {}
}

func (f *fakeArm) StartCycle(context.Context) error { return f.record("StartCycle") }
func (f *fakeArm) Home(context.Context) error       { return f.record("Home") }

func (f *fakeArm) MoveAxis(_ context.Context, axis hw.AxisID, inches float64) error {
	return f.record(fmt.Sprintf("MoveAxis %s %.2f", axis, inches))
}

func (f *fakeArm) SetServo(_ context.Context, deg int) error {
	return f.record(fmt.Sprintf("SetServo %d", deg))
}

func (f *fakeArm) SetVacuum(_ context.Context, on bool) error {
	return f.record(fmt.Sprintf("SetVacuum %t", on))
}

func (f *fakeArm) ToggleXDrive(context.Context) (bool, error) {
	if err := f.record("ToggleXDrive"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.xDrive = !f.xDrive
	return f.xDrive, nil
}

func (f *fakeArm) ForceState(_ context.Context, s cycle.State) error {
	return f.record("ForceState " + s.String())
}

func (f *fakeArm) EmergencyStop(context.Context) error { return f.record("EmergencyStop") }

func (f *fakeArm) ApplySettings(_ context.Context, s settings.Settings) error {
	if err := f.record("ApplySettings"); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

func (f *fakeArm) PatchSettings(_ context.Context, patch []byte) (settings.Settings, error) {
	if err := f.record("PatchSettings"); err != nil {
		return settings.Settings{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	merged, err := f.settings.Merge(patch)
	if err != nil {
		return settings.Settings{}, err
	}
	f.settings = merged
	return merged, nil
}
