package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/transfer_arm/internal/app"
	"github.com/relabs-tech/transfer_arm/internal/config"
)

func main() {
	command := flag.String("command", "manualControl", "getStatus, getConfig, setConfig, manualControl or emergencyStop")
	action := flag.String("action", "", "manual action: home, pickCycle, vacuum, moveX, moveZ, servo, toggleXMotor, resetToDefaults, forceState")
	target := flag.Float64("target", -1, "moveX/moveZ target in inches")
	angle := flag.Int("angle", -1, "servo angle in degrees")
	state := flag.String("state", "", "vacuum on/off (true/false) or forceState state name")
	patch := flag.String("config", "", "setConfig JSON patch")
	wait := flag.Duration("wait", 3*time.Second, "how long to wait for the reply")
	flag.Parse()

	// Load configuration
	if err := config.InitGlobal("transfer_arm_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	cmd, err := buildCommand(*command, *action, *target, *angle, *state, *patch)
	if err != nil {
		log.Fatalf("invalid command: %v", err)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		log.Fatalf("json marshal error: %v", err)
	}

	// 1) Connect to MQTT broker
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole + "-cmd")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("MQTT connect error: %v", token.Error())
	}
	defer client.Disconnect(250)

	// 2) Listen for the reply before sending
	replies := make(chan []byte, 1)
	token := client.Subscribe(cfg.TopicEvents, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg.Payload(), &head) != nil {
			return
		}
		// command replies are log, config or status messages
		switch head.Type {
		case "log", "config", "status":
			select {
			case replies <- msg.Payload():
			default:
			}
		}
	})
	if token.Wait() && token.Error() != nil {
		log.Fatalf("MQTT subscribe error: %v", token.Error())
	}

	// 3) Publish the command
	token = client.Publish(cfg.TopicCommand, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		log.Fatalf("publish error: %v", token.Error())
	}
	log.Printf("published %s", payload)

	select {
	case reply := <-replies:
		fmt.Println(string(reply))
	case <-time.After(*wait):
		log.Fatalf("no reply within %s", *wait)
	}
}

func buildCommand(command, action string, target float64, angle int, state, patch string) (app.Command, error) {
	cmd := app.Command{Command: command, Action: action}
	if command == "setConfig" {
		if !json.Valid([]byte(patch)) {
			return cmd, fmt.Errorf("setConfig needs a JSON -config patch")
		}
		cmd.Config = json.RawMessage(patch)
	}
	if target >= 0 {
		cmd.Target = &target
	}
	if angle >= 0 {
		cmd.Angle = &angle
	}
	if state != "" {
		// booleans go as JSON booleans, anything else as a state name
		if on, err := strconv.ParseBool(state); err == nil {
			cmd.State = json.RawMessage(strconv.FormatBool(on))
		} else {
			quoted, _ := json.Marshal(state)
			cmd.State = quoted
		}
	}
	if command == "manualControl" && action == "" {
		return cmd, fmt.Errorf("manualControl needs -action")
	}
	return cmd, nil
}
