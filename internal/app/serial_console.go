package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/config"
	"github.com/relabs-tech/transfer_arm/internal/cycle"
	"github.com/relabs-tech/transfer_arm/internal/hw"
	"github.com/relabs-tech/transfer_arm/internal/settings"
)

// armSentenceType is the proprietary NMEA sentence ($PTARM) used by line
// controllers to drive the arm.
const armSentenceType = "TARM"

const boardType = "TRANSFER_ARM"

// armSentence is $PTARM,<command>[,<arg>]*CS
type armSentence struct {
	nmea.BaseSentence
	Command string
	Arg     string
}

func parseArmSentence(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := armSentence{
		BaseSentence: s,
		Command:      strings.ToUpper(p.String(0, "command")),
	}
	if len(s.Fields) > 1 {
		m.Arg = p.String(1, "argument")
	}
	return m, p.Err()
}

// identity answers the JSON identify command.
type identity struct {
	BoardID     string `json:"board_id"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// serialConsole interprets one line of console input at a time: plain text
// commands, JSON commands and $PTARM sentences.
type serialConsole struct {
	boardID     string
	description string
	arm         Arm
	dispatcher  *Dispatcher
	parser      *nmea.SentenceParser
	log         *slog.Logger
}

func newSerialConsole(cfg *config.Config, a Arm, d *Dispatcher, logger *slog.Logger) *serialConsole {
	if logger == nil {
		logger = slog.Default()
	}
	return &serialConsole{
		boardID:     cfg.BoardID,
		description: cfg.BoardDescription,
		arm:         a,
		dispatcher:  d,
		parser: &nmea.SentenceParser{
			CustomParsers: map[string]nmea.ParserFunc{
				armSentenceType: parseArmSentence,
			},
		},
		log: logger.With("component", "serial"),
	}
}

// RunSerialConsole serves the console on the configured serial port until
// ctx is done.
func RunSerialConsole(ctx context.Context, cfg *config.Config, a Arm, d *Dispatcher, logger *slog.Logger) error {
	c := newSerialConsole(cfg, a, d, logger)

	serialOpts := serial.OpenOptions{
		PortName:              cfg.SerialPort,
		BaudRate:              uint(cfg.SerialBaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := serial.Open(serialOpts)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", cfg.SerialPort, err)
	}
	c.log.Info("serial console opened", "port", serialOpts.PortName, "baud", serialOpts.BaudRate)

	// closing the port unblocks the reader
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()

	err = c.serve(ctx, port, port)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *serialConsole) serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, out := range c.handle(ctx, line) {
			if _, err := io.WriteString(w, out+"\r\n"); err != nil {
				return fmt.Errorf("serial write: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("serial read: %w", err)
	}
	return io.EOF
}

// handle returns the response lines for one input line.
func (c *serialConsole) handle(ctx context.Context, line string) []string {
	switch {
	case strings.HasPrefix(line, "$"):
		return []string{c.handleSentence(ctx, line)}
	case strings.HasPrefix(line, "{"):
		return []string{c.handleJSON(ctx, line)}
	}

	switch strings.ToLower(line) {
	case "identify":
		return []string{"BOARD_ID:" + c.boardID}
	case "status":
		return statusReport(c.arm.Snapshot())
	case "help":
		return []string{
			"Available commands:",
			"  identify  - board id",
			"  status    - arm status",
			"  help      - this list",
			`  {"command":...}  - dashboard JSON command`,
			"  $PTARM,<cmd>[,<arg>]*CS  - line controller sentence",
		}
	default:
		return []string{fmt.Sprintf("Unknown command: %s. Type 'help' for available commands.", line)}
	}
}

func (c *serialConsole) handleJSON(ctx context.Context, line string) string {
	var cmd Command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		return mustJSON(logMessage("error", "invalid JSON: %v", err))
	}
	if cmd.Command == "identify" {
		return mustJSON(identity{BoardID: c.boardID, Description: c.description, Type: boardType})
	}
	reply, err := c.dispatcher.Handle(ctx, cmd)
	if err != nil {
		return mustJSON(logMessage("error", "%s", rejection(err)))
	}
	return mustJSON(reply)
}

func (c *serialConsole) handleSentence(ctx context.Context, line string) string {
	s, err := c.parser.Parse(line)
	if err != nil {
		c.log.Debug("nmea parse error", "line", line, "error", err)
		return sentence("NAK", "?", "INVALID")
	}
	m, ok := s.(armSentence)
	if !ok {
		return sentence("NAK", s.DataType(), "INVALID")
	}
	if m.Command == "STATUS" {
		return statusSentence(c.arm.Snapshot())
	}
	if err := c.runSentence(ctx, m); err != nil {
		c.log.Info("sentence rejected", "command", m.Command, "error", err)
		return sentence("NAK", m.Command, nakReason(err))
	}
	return sentence("ACK", m.Command)
}

func (c *serialConsole) runSentence(ctx context.Context, m armSentence) error {
	switch m.Command {
	case "START":
		return c.arm.StartCycle(ctx)
	case "STOP":
		return c.arm.EmergencyStop(ctx)
	case "HOME":
		return c.arm.Home(ctx)
	case "MOVEX", "MOVEZ":
		inches, err := strconv.ParseFloat(m.Arg, 64)
		if err != nil {
			return fmt.Errorf("%w: target %q", arm.ErrInvalidCommand, m.Arg)
		}
		axis := hw.AxisX
		if m.Command == "MOVEZ" {
			axis = hw.AxisZ
		}
		return c.arm.MoveAxis(ctx, axis, inches)
	case "SERVO":
		deg, err := strconv.Atoi(m.Arg)
		if err != nil {
			return fmt.Errorf("%w: angle %q", arm.ErrInvalidCommand, m.Arg)
		}
		return c.arm.SetServo(ctx, deg)
	case "VACUUM":
		switch m.Arg {
		case "1":
			return c.arm.SetVacuum(ctx, true)
		case "0":
			return c.arm.SetVacuum(ctx, false)
		}
		return fmt.Errorf("%w: vacuum %q", arm.ErrInvalidCommand, m.Arg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, m.Command)
	}
}

func nakReason(err error) string {
	switch {
	case errors.Is(err, arm.ErrBusy):
		return "BUSY"
	case errors.Is(err, arm.ErrNotHomed):
		return "NOT_HOMED"
	case errors.Is(err, arm.ErrInvalidCommand),
		errors.Is(err, ErrUnknownCommand),
		errors.Is(err, settings.ErrInvalid),
		errors.Is(err, cycle.ErrUnknownState):
		return "INVALID"
	default:
		return "ERROR"
	}
}

// sentence builds a checksummed $PTARM reply.
func sentence(fields ...string) string {
	body := "P" + armSentenceType + "," + strings.Join(fields, ",")
	return "$" + body + "*" + nmea.Checksum(body)
}

func statusSentence(s arm.Snapshot) string {
	return sentence("STATUS",
		s.State.String(),
		strconv.FormatFloat(s.XPosInches, 'f', 3, 64),
		strconv.FormatFloat(s.ZPosInches, 'f', 3, 64),
		strconv.Itoa(s.ServoPos),
		bit(s.Vacuum),
		bit(s.Homed),
	)
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func statusReport(s arm.Snapshot) []string {
	homed := "NO"
	if s.Homed {
		homed = "YES"
	}
	lines := []string{
		"Transfer Arm Status:",
		"- State: " + s.State.String(),
		fmt.Sprintf("- X Position: %.2f inches (%d steps)", s.XPosInches, s.XPos),
		fmt.Sprintf("- Z Position: %.2f inches (%d steps)", s.ZPosInches, s.ZPos),
		fmt.Sprintf("- Servo: %d degrees", s.ServoPos),
		"- Vacuum: " + onOff(s.Vacuum),
		"- X Motor: " + onOff(s.XMotorEnabled),
		"- Homed: " + homed,
		fmt.Sprintf("- Cycles Completed: %d", s.CyclesCompleted),
	}
	if s.HomingError != "" {
		lines = append(lines, "- Homing Error: "+s.HomingError)
	}
	return lines
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"type":"log","level":"error","message":%q}`, err.Error())
	}
	return string(b)
}
