package cycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/transfer_arm/internal/homing"
	"github.com/relabs-tech/transfer_arm/internal/motion"
)

const tick = time.Millisecond

type fakeOutputs struct {
	servo     []int
	vacuum    bool
	handshake []bool
	drive     []bool

	servoErr error
}

func (f *fakeOutputs) SetServoAngle(deg int) error {
	if f.servoErr != nil {
		return f.servoErr
	}
	f.servo = append(f.servo, deg)
	return nil
}

func (f *fakeOutputs) SetVacuum(on bool) error {
	f.vacuum = on
	return nil
}

func (f *fakeOutputs) SetHandshake(on bool) error {
	f.handshake = append(f.handshake, on)
	return nil
}

func (f *fakeOutputs) SetXDriveEnabled(on bool) error {
	f.drive = append(f.drive, on)
	return nil
}

func (f *fakeOutputs) lastServo() int {
	if len(f.servo) == 0 {
		return -1
	}
	return f.servo[len(f.servo)-1]
}

func testParams() Params {
	return Params{
		XPickup:      100,
		XDropoff:     400,
		XOvershoot:   450,
		XServoRotate: 350,
		XRest:        100,

		ZUp:           0,
		ZPickup:       140,
		ZSuctionStart: 60,
		ZDropoff:      120,

		ServoPickup:  10,
		ServoTravel:  0,
		ServoDropoff: 80,

		PickupHold:     300 * time.Millisecond,
		ReleaseHold:    100 * time.Millisecond,
		ServoSettle:    500 * time.Millisecond,
		HandshakePulse: 50 * time.Millisecond,

		ZLimits:        motion.Limits{MaxSpeed: 10000, Acceleration: 10000},
		ZDropoffLimits: motion.Limits{MaxSpeed: 2000, Acceleration: 5000},
	}
}

// harness mirrors the control loop: step both axes, then tick the machine.
type harness struct {
	t   *testing.T
	x   *motion.Axis
	z   *motion.Axis
	m   *Machine
	out *fakeOutputs
	p   Params
	now time.Time

	// xPhys is the physical X position; the home switch closes at <= 0.
	xPhys        int64
	switchBroken bool
	start        bool

	transitions []Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	x, err := motion.NewAxis("x", motion.Limits{MaxSpeed: 7000, Acceleration: 10000})
	require.NoError(t, err)
	z, err := motion.NewAxis("z", motion.Limits{MaxSpeed: 10000, Acceleration: 10000})
	require.NoError(t, err)
	seq, err := homing.NewSequencer(x, homing.Params{Speed: 1000, Timeout: 5 * time.Second, BackOffLimit: 200})
	require.NoError(t, err)

	x.SetCurrentPosition(1)
	x.SetHomed(true)
	z.SetHomed(true)

	h := &harness{t: t, x: x, z: z, out: &fakeOutputs{}, p: testParams(), now: time.Unix(1000, 0), xPhys: 1}
	h.m = NewMachine(x, z, seq, h.out, nil)
	h.m.OnTransition(func(tr Transition) { h.transitions = append(h.transitions, tr) })
	return h
}

func (h *harness) xHome() bool { return !h.switchBroken && h.xPhys <= 0 }

func (h *harness) tick() error {
	h.now = h.now.Add(tick)
	h.xPhys += h.x.Step(tick)
	h.z.Step(tick)
	return h.m.Tick(h.now, Inputs{StartRequested: h.start, XHome: h.xHome()}, h.p)
}

// runUntil ticks until cond holds, failing the test after max ticks.
func (h *harness) runUntil(cond func() bool, max int) {
	h.t.Helper()
	for i := 0; i < max; i++ {
		require.NoError(h.t, h.tick())
		if cond() {
			return
		}
	}
	h.t.Fatalf("condition not reached after %d ticks, state %s", max, h.m.State())
}

func (h *harness) startCycle() {
	h.t.Helper()
	h.start = true
	require.NoError(h.t, h.tick())
	h.start = false
	require.Equal(h.t, MoveToPickup, h.m.State())
}

func TestMachine_PickupScenario(t *testing.T) {
	h := newHarness(t)
	h.startCycle()

	h.runUntil(func() bool { return h.m.State() == LowerForPickup }, 10_000)
	assert.Equal(t, int64(100), h.x.Position())
	assert.Equal(t, 10, h.out.lastServo())
	assert.False(t, h.out.vacuum)

	prevZ := h.z.Position()
	for !h.out.vacuum {
		prevZ = h.z.Position()
		require.NoError(t, h.tick())
		require.Equal(t, LowerForPickup, h.m.State())
	}
	assert.GreaterOrEqual(t, h.z.Position(), int64(60), "vacuum before the suction threshold")
	assert.Less(t, prevZ, int64(60), "vacuum later than the first tick past the threshold")

	h.runUntil(func() bool { return h.m.State() == WaitAtPickup }, 10_000)
	assert.Equal(t, int64(140), h.z.Position())
	waitStart := h.m.EnteredAt()

	h.runUntil(func() bool { return h.m.State() == RaiseWithObject }, 10_000)
	assert.Equal(t, 300*time.Millisecond, h.m.EnteredAt().Sub(waitStart))
	assert.True(t, h.out.vacuum)
}

func TestMachine_FullCycleRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.startCycle()

	var servoRotatedAt int64 = -1
	servoWrites := len(h.out.servo)
	h.runUntil(func() bool {
		if len(h.out.servo) > servoWrites {
			servoWrites = len(h.out.servo)
			if h.out.lastServo() == 80 && servoRotatedAt < 0 {
				servoRotatedAt = h.x.Position()
			}
		}
		if h.out.vacuum {
			switch s := h.m.State(); {
			case s == LowerForPickup:
				assert.GreaterOrEqual(t, h.z.Position(), int64(60))
			case s >= ReleaseObject:
				t.Fatalf("vacuum still on in %s", s)
			}
		}
		return h.m.State() == Idle
	}, 200_000)

	var visited []State
	for _, tr := range h.transitions {
		assert.False(t, tr.Forced)
		visited = append(visited, tr.To)
	}
	want := append(States()[1:], Idle)
	assert.Equal(t, want, visited)

	assert.False(t, h.out.vacuum)
	assert.Equal(t, 10, h.m.ServoAngle())
	assert.Equal(t, int64(100), h.x.Position())
	assert.Equal(t, int64(0), h.z.Position())
	assert.Equal(t, uint64(1), h.m.CyclesCompleted())
	assert.True(t, h.m.Homed())
	assert.NoError(t, h.m.HomingErr())

	assert.GreaterOrEqual(t, servoRotatedAt, int64(350))
	assert.Less(t, servoRotatedAt, int64(450), "gripper rotates before the overshoot is reached")
	assert.Equal(t, []bool{true, false}, h.out.handshake)
	assert.Equal(t, h.p.ZLimits, h.z.Limits())
}

func TestMachine_VacuumOffBeforeDropoffArrival(t *testing.T) {
	h := newHarness(t)
	h.startCycle()

	h.runUntil(func() bool { return h.m.State() == LowerForDropoff }, 50_000)
	assert.True(t, h.out.vacuum)
	assert.Equal(t, h.p.ZDropoffLimits, h.z.Limits())

	h.runUntil(func() bool { return h.m.State() == ReleaseObject }, 50_000)
	assert.False(t, h.out.vacuum)
	assert.Equal(t, int64(120), h.z.Position())

	require.NoError(t, h.tick())
	assert.Equal(t, WaitAfterRelease, h.m.State())
}

func TestMachine_EmergencyStopDuringDropoffDescent(t *testing.T) {
	h := newHarness(t)
	h.startCycle()

	h.runUntil(func() bool { return h.m.State() == LowerForDropoff && h.z.Position() > 10 }, 50_000)
	require.False(t, h.z.AtTarget())
	require.True(t, h.out.vacuum)

	require.NoError(t, h.m.EmergencyStop(h.now))
	assert.Equal(t, Idle, h.m.State())
	assert.False(t, h.out.vacuum)
	assert.False(t, h.m.Vacuum())
	assert.True(t, h.x.AtTarget())
	assert.True(t, h.z.AtTarget())
	assert.Zero(t, h.z.Velocity())
	assert.Equal(t, h.p.ZLimits, h.z.Limits(), "dropoff profile dropped")

	last := h.transitions[len(h.transitions)-1]
	assert.True(t, last.Forced)
	assert.Equal(t, LowerForDropoff, last.From)

	zStopped := h.z.Position()
	require.NoError(t, h.tick())
	assert.Equal(t, zStopped, h.z.Position(), "no residual motion")

	h.startCycle()
	assert.Equal(t, MoveToPickup, h.m.State())
}

func TestMachine_StopWaitsForStartRelease(t *testing.T) {
	h := newHarness(t)
	h.start = true
	h.runUntil(func() bool { return h.m.State() == LowerForPickup }, 10_000)

	require.NoError(t, h.m.EmergencyStop(h.now))
	for i := 0; i < 10; i++ {
		require.NoError(t, h.tick())
	}
	assert.Equal(t, Idle, h.m.State(), "held start does not restart after a stop")

	h.start = false
	require.NoError(t, h.tick())
	assert.Equal(t, Idle, h.m.State())

	h.start = true
	require.NoError(t, h.tick())
	assert.Equal(t, MoveToPickup, h.m.State())
}

func TestMachine_StartCommandAfterStop(t *testing.T) {
	h := newHarness(t)
	h.start = true
	h.runUntil(func() bool { return h.m.State() == LowerForPickup }, 10_000)
	require.NoError(t, h.m.EmergencyStop(h.now))

	h.now = h.now.Add(tick)
	require.NoError(t, h.m.Tick(h.now, Inputs{StartRequested: true}, h.p))
	assert.Equal(t, Idle, h.m.State())

	h.now = h.now.Add(tick)
	require.NoError(t, h.m.Tick(h.now, Inputs{StartRequested: true, StartCommand: true}, h.p))
	assert.Equal(t, MoveToPickup, h.m.State())
}

func TestMachine_EmergencyStopIdempotentFromIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.EmergencyStop(h.now))
	require.NoError(t, h.m.EmergencyStop(h.now))
	assert.Equal(t, Idle, h.m.State())
	assert.False(t, h.out.vacuum)
}

func TestMachine_ForceStateFromEveryState(t *testing.T) {
	for _, s := range States()[1:] {
		t.Run(s.String(), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.m.SetVacuum(true))
			h.x.MoveTo(5000)
			h.z.MoveTo(5000)
			for i := 0; i < 20; i++ {
				require.NoError(t, h.tick())
			}

			require.NoError(t, h.m.ForceState(s, h.now))
			assert.Equal(t, s, h.m.State())
			assert.False(t, h.out.vacuum)
			assert.True(t, h.x.AtTarget())
			assert.True(t, h.z.AtTarget())

			require.NoError(t, h.m.EmergencyStop(h.now))
			assert.Equal(t, Idle, h.m.State())
		})
	}
}

func TestMachine_ForceStateRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	err := h.m.ForceState(State(99), h.now)
	assert.ErrorIs(t, err, ErrUnknownState)
	assert.Equal(t, Idle, h.m.State())
}

func TestMachine_StartIgnoredUntilHomed(t *testing.T) {
	h := newHarness(t)
	h.z.SetHomed(false)

	h.start = true
	for i := 0; i < 10; i++ {
		require.NoError(t, h.tick())
	}
	assert.Equal(t, Idle, h.m.State())
	assert.Empty(t, h.transitions)

	h.z.SetHomed(true)
	require.NoError(t, h.tick())
	assert.Equal(t, MoveToPickup, h.m.State())
}

func TestMachine_XPowerSave(t *testing.T) {
	h := newHarness(t)
	h.p.XPowerSave = true
	require.NoError(t, h.m.SetXDrive(false))

	h.startCycle()
	assert.True(t, h.m.XDriveEnabled())

	h.runUntil(func() bool { return h.m.State() == Idle }, 200_000)
	assert.False(t, h.m.XDriveEnabled())
	assert.Equal(t, []bool{false, true, false}, h.out.drive)
}

func TestMachine_ForceStateEnablesXDrive(t *testing.T) {
	h := newHarness(t)
	h.p.XPowerSave = true
	require.NoError(t, h.m.SetXDrive(false))

	require.NoError(t, h.m.ForceState(Idle, h.now))
	assert.False(t, h.m.XDriveEnabled(), "Idle leaves the drive alone")

	require.NoError(t, h.m.ForceState(MoveToOvershoot, h.now))
	assert.True(t, h.m.XDriveEnabled())
	assert.Equal(t, []bool{false, true}, h.out.drive)
}

func TestMachine_StartEnablesDisabledXDrive(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SetXDrive(false))

	h.startCycle()
	assert.True(t, h.m.XDriveEnabled())

	h.runUntil(func() bool { return h.m.State() == Idle }, 200_000)
	assert.True(t, h.m.XDriveEnabled(), "stays on without power save")
	assert.Equal(t, []bool{false, true}, h.out.drive)
}

func TestMachine_PreStageParksZAtPickup(t *testing.T) {
	h := newHarness(t)
	h.p.PreStage = true
	h.startCycle()

	h.runUntil(func() bool { return h.m.State() == Idle }, 200_000)
	assert.Equal(t, int64(140), h.z.Position())
	assert.Equal(t, int64(100), h.x.Position())
	assert.Equal(t, 10, h.m.ServoAngle())
	assert.False(t, h.out.vacuum)

	// the next cycle starts with Z already down: vacuum and hold right away
	h.startCycle()
	h.runUntil(func() bool { return h.m.State() == WaitAtPickup }, 10)
	assert.True(t, h.out.vacuum)
}

func TestMachine_XHomingFailureBlocksCycle(t *testing.T) {
	h := newHarness(t)
	h.switchBroken = true
	h.startCycle()

	var err error
	for i := 0; i < 200_000; i++ {
		if err = h.tick(); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, homing.ErrSeekTimeout)
	assert.Equal(t, Idle, h.m.State())
	assert.ErrorIs(t, h.m.HomingErr(), homing.ErrSeekTimeout)
	assert.False(t, h.m.Homed())
	assert.False(t, h.out.vacuum)

	h.start = true
	require.NoError(t, h.tick())
	assert.Equal(t, Idle, h.m.State())
}

func TestMachine_OutputErrorsAreReported(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("pwm write failed")
	h.out.servoErr = boom
	h.startCycle()

	var err error
	for i := 0; i < 10_000 && err == nil; i++ {
		err = h.tick()
	}
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, LowerForPickup, h.m.State(), "sequence continues past a failed write")
}
