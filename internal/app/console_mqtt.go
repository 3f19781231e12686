package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/config"
)

// RunConsoleMQTT prints the arm's status and events from the broker until
// ctx is done.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config) error {
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is not configured")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	// Subscribe to status
	statusToken := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s StatusMessage
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("console: status unmarshal error: %v", err)
			return
		}
		fmt.Println(formatStatus(s.Snapshot))
	})
	statusToken.Wait()
	if statusToken.Error() != nil {
		return statusToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicStatus)

	// Subscribe to events and command replies
	eventsToken := client.Subscribe(cfg.TopicEvents, 0, func(_ mqtt.Client, msg mqtt.Message) {
		line, err := formatEvent(msg.Payload())
		if err != nil {
			log.Printf("console: event unmarshal error: %v", err)
			return
		}
		fmt.Println(line)
	})
	eventsToken.Wait()
	if eventsToken.Error() != nil {
		return eventsToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicEvents)

	<-ctx.Done()

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}

func formatStatus(s arm.Snapshot) string {
	homed := "NO"
	switch {
	case s.Homing:
		homed = "HOMING"
	case s.Homed:
		homed = "YES"
	}
	return fmt.Sprintf(
		"[STAT]  state=%-22s X=%6.2fin Z=%6.2fin servo=%3d° vac=%-3s homed=%-6s cycles=%d",
		s.State, s.XPosInches, s.ZPosInches, s.ServoPos, onOff(s.Vacuum), homed, s.CyclesCompleted,
	)
}

// formatEvent renders anything published on the events topic: controller
// events, and the log or config replies to commands.
func formatEvent(payload []byte) (string, error) {
	var e arm.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return "", err
	}
	switch e.Type {
	case arm.EventStateChange:
		line := fmt.Sprintf("[STATE] %s -> %s", e.From, e.State)
		if e.Forced {
			line += " (forced)"
		}
		if e.CycleID != "" {
			line += " cycle=" + e.CycleID
		}
		return line, nil
	case arm.EventVacuumChange:
		if e.Vacuum == nil {
			return "[VAC ]  ?", nil
		}
		return "[VAC ]  " + onOff(*e.Vacuum), nil
	case arm.EventServoChange:
		if e.ServoPos == nil {
			return "[SERV]  ?", nil
		}
		return fmt.Sprintf("[SERV]  %d°", *e.ServoPos), nil
	case arm.EventMovementComplete:
		if e.Position == nil {
			return fmt.Sprintf("[MOVE]  %s done", strings.ToUpper(e.Axis)), nil
		}
		return fmt.Sprintf("[MOVE]  %s at %d", strings.ToUpper(e.Axis), *e.Position), nil
	case arm.EventHoming:
		if e.Error != "" {
			return fmt.Sprintf("[HOME]  %s: %s", e.Message, e.Error), nil
		}
		return "[HOME]  " + e.Message, nil
	case "config":
		return "[CONF]  settings updated", nil
	case "log":
		var m LogMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return "", err
		}
		if m.Level != "" {
			return fmt.Sprintf("[LOG ]  %s: %s", strings.ToUpper(m.Level), m.Message), nil
		}
		return "[LOG ]  " + m.Message, nil
	default:
		return fmt.Sprintf("[%s] %s", e.Type, payload), nil
	}
}
