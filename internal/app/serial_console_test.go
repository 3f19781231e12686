package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/config"
	"github.com/relabs-tech/transfer_arm/internal/cycle"
)

func newTestConsole(t *testing.T) (*serialConsole, *fakeArm) {
	t.Helper()
	d, fa, _ := newTestDispatcher(t)
	cfg := config.Default()
	cfg.BoardID = "TA-07"
	cfg.BoardDescription = "Line 3 transfer"
	return newSerialConsole(cfg, fa, d, discardLogger()), fa
}

func checksummed(body string) string { return "$" + body + "*" + nmea.Checksum(body) }

func TestConsole_TextCommands(t *testing.T) {
	c, fa := newTestConsole(t)
	ctx := context.Background()
	fa.snap.XPosInches = 1.5
	fa.snap.XPos = 381
	fa.snap.Vacuum = true

	assert.Equal(t, []string{"BOARD_ID:TA-07"}, c.handle(ctx, "identify"))
	assert.Equal(t, []string{"BOARD_ID:TA-07"}, c.handle(ctx, "IDENTIFY"))

	status := c.handle(ctx, "status")
	require.NotEmpty(t, status)
	assert.Equal(t, "Transfer Arm Status:", status[0])
	assert.Contains(t, status, "- X Position: 1.50 inches (381 steps)")
	assert.Contains(t, status, "- Vacuum: ON")
	assert.Contains(t, status, "- Homed: YES")

	assert.Equal(t, "Available commands:", c.handle(ctx, "help")[0])
	assert.Equal(t,
		[]string{"Unknown command: jump. Type 'help' for available commands."},
		c.handle(ctx, "jump"))
}

func TestConsole_JSON(t *testing.T) {
	c, fa := newTestConsole(t)
	ctx := context.Background()

	var id identity
	require.NoError(t, json.Unmarshal([]byte(c.handle(ctx, `{"command":"identify"}`)[0]), &id))
	assert.Equal(t, identity{BoardID: "TA-07", Description: "Line 3 transfer", Type: "TRANSFER_ARM"}, id)

	var msg LogMessage
	require.NoError(t, json.Unmarshal([]byte(c.handle(ctx, `{"command":"manualControl","action":"home"}`)[0]), &msg))
	assert.Equal(t, "Homing started", msg.Message)
	assert.Equal(t, []string{"Home"}, fa.Calls())

	require.NoError(t, json.Unmarshal([]byte(c.handle(ctx, `{"command":`)[0]), &msg))
	assert.Equal(t, "error", msg.Level)
}

func TestConsole_Sentences(t *testing.T) {
	c, fa := newTestConsole(t)
	ctx := context.Background()

	cases := []struct {
		body string
		call string
	}{
		{"PTARM,START", "StartCycle"},
		{"PTARM,HOME", "Home"},
		{"PTARM,STOP", "EmergencyStop"},
		{"PTARM,MOVEX,3.25", "MoveAxis x 3.25"},
		{"PTARM,movez,0.5", "MoveAxis z 0.50"},
		{"PTARM,SERVO,170", "SetServo 170"},
		{"PTARM,VACUUM,1", "SetVacuum true"},
	}
	for _, tc := range cases {
		out := c.handle(ctx, checksummed(tc.body))
		cmd := strings.ToUpper(strings.Split(tc.body, ",")[1])
		assert.Equal(t, []string{checksummed("PTARM,ACK," + cmd)}, out, tc.body)
		calls := fa.Calls()
		assert.Equal(t, tc.call, calls[len(calls)-1], tc.body)
	}
}

func TestConsole_SentenceRejections(t *testing.T) {
	c, fa := newTestConsole(t)
	ctx := context.Background()
	fa.fail["StartCycle"] = arm.ErrBusy
	fa.fail["Home"] = arm.ErrNotHomed
	fa.fail["SetServo"] = assert.AnError

	assert.Equal(t, []string{checksummed("PTARM,NAK,START,BUSY")}, c.handle(ctx, checksummed("PTARM,START")))
	assert.Equal(t, []string{checksummed("PTARM,NAK,HOME,NOT_HOMED")}, c.handle(ctx, checksummed("PTARM,HOME")))
	assert.Equal(t, []string{checksummed("PTARM,NAK,SERVO,ERROR")}, c.handle(ctx, checksummed("PTARM,SERVO,5")))
	assert.Equal(t, []string{checksummed("PTARM,NAK,MOVEX,INVALID")}, c.handle(ctx, checksummed("PTARM,MOVEX,far")))
	assert.Equal(t, []string{checksummed("PTARM,NAK,VACUUM,INVALID")}, c.handle(ctx, checksummed("PTARM,VACUUM,2")))
	assert.Equal(t, []string{checksummed("PTARM,NAK,JUMP,INVALID")}, c.handle(ctx, checksummed("PTARM,JUMP")))

	// bad checksum never reaches the arm
	before := len(fa.Calls())
	assert.Equal(t, []string{checksummed("PTARM,NAK,?,INVALID")}, c.handle(ctx, "$PTARM,START*00"))
	assert.Len(t, fa.Calls(), before)
}

func TestConsole_StatusSentence(t *testing.T) {
	c, fa := newTestConsole(t)
	fa.snap.State = cycle.LowerForDropoff
	fa.snap.XPosInches = 10.25
	fa.snap.ZPosInches = 2.5
	fa.snap.ServoPos = 90
	fa.snap.Vacuum = true

	out := c.handle(context.Background(), checksummed("PTARM,STATUS"))
	assert.Equal(t, []string{checksummed("PTARM,STATUS,LowerForDropoff,10.250,2.500,90,1,1")}, out)
}

func TestConsole_Serve(t *testing.T) {
	c, fa := newTestConsole(t)
	in := strings.NewReader("identify\r\n\r\n" + checksummed("PTARM,HOME") + "\n")
	var out bytes.Buffer

	err := c.serve(context.Background(), in, &out)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "BOARD_ID:TA-07\r\n"+checksummed("PTARM,ACK,HOME")+"\r\n", out.String())
	assert.Equal(t, []string{"Home"}, fa.Calls())
}
