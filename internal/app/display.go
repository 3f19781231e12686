package app

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/config"
	"github.com/relabs-tech/transfer_arm/internal/cycle"
)

// 128 px at 7 px per glyph
const displayColumns = 18

// ssd1306.NewI2C always talks to the 0x3C default
const ssd1306DefaultAddr = 0x3C

// addrBus redirects the driver's transactions to a panel strapped to
// another address.
type addrBus struct {
	i2c.Bus
	addr uint16
}

func (b *addrBus) Tx(addr uint16, w, r []byte) error {
	if addr == ssd1306DefaultAddr {
		addr = b.addr
	}
	return b.Bus.Tx(addr, w, r)
}

// RunDisplay drives the SSD1306 status panel until ctx is done.
func RunDisplay(ctx context.Context, cfg *config.Config, a Arm, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "display")

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(&addrBus{Bus: bus, addr: cfg.DisplayI2CAddr}, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Info("display initialized", "addr", fmt.Sprintf("0x%02X", cfg.DisplayI2CAddr))

	// Show splash screen
	if err := draw(dev, splashLines(cfg)); err != nil {
		log.Warn("error showing splash", "error", err)
	}

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	var last [4]string
	for {
		select {
		case <-ctx.Done():
			if err := dev.Halt(); err != nil {
				log.Warn("error halting display", "error", err)
			}
			return nil
		case <-ticker.C:
			lines := statusLines(cfg.BoardID, a.Snapshot())
			if lines == last {
				continue
			}
			if err := draw(dev, lines); err != nil {
				log.Warn("error updating display", "error", err)
				continue
			}
			last = lines
		}
	}
}

func splashLines(cfg *config.Config) [4]string {
	return [4]string{
		fit(cfg.BoardDescription),
		fit(cfg.BoardID),
		"",
		"Starting...",
	}
}

// statusLines is the panel content for one snapshot.
func statusLines(boardID string, s arm.Snapshot) [4]string {
	word := "RUN"
	switch {
	case s.HomingError != "":
		word = "HOME ERR"
	case s.Homing:
		word = "HOMING"
	case !s.Homed:
		word = "NOT HOMED"
	case s.State == cycle.Idle:
		word = "READY"
	}
	return [4]string{
		fit(fmt.Sprintf("%s %s", boardID, word)),
		fit(s.State.String()),
		fit(fmt.Sprintf("X%5.2f Z%5.2f", s.XPosInches, s.ZPosInches)),
		fit(fmt.Sprintf("S%3d V:%s C%d", s.ServoPos, onOff(s.Vacuum), s.CyclesCompleted)),
	}
}

func fit(s string) string {
	if len(s) > displayColumns {
		return s[:displayColumns]
	}
	return s
}

// renderLines draws up to four text lines on a blank 128x64 frame.
func renderLines(lines [4]string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawString(line)
	}
	return img
}

func draw(dev *ssd1306.Dev, lines [4]string) error {
	return dev.Draw(dev.Bounds(), renderLines(lines), image.Point{})
}
