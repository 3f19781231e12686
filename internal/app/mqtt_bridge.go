package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/transfer_arm/internal/config"
)

// RunMQTTBridge mirrors the dashboard onto the broker: a retained status
// message every status interval, every controller event, and commands from
// the command topic with their replies published as events.
func RunMQTTBridge(ctx context.Context, cfg *config.Config, a Arm, d *Dispatcher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDArm).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", cfg.MQTTBroker, token.Error())
	}
	defer client.Disconnect(250)
	log.Info("connected to MQTT broker", "broker", cfg.MQTTBroker)

	token := client.Subscribe(cfg.TopicCommand, 1, func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		// the paho router goroutine must not wait on the control loop
		go func() {
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			publishJSON(client, log, cfg.TopicEvents, false, commandReply(cmdCtx, d, payload))
		}()
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", cfg.TopicCommand, token.Error())
	}
	log.Info("subscribed to MQTT topic", "topic", cfg.TopicCommand)

	events, cancel := a.Subscribe(256)
	defer cancel()

	ticker := time.NewTicker(time.Duration(cfg.StatusInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			publishJSON(client, log, cfg.TopicEvents, false, e)
		case <-ticker.C:
			publishJSON(client, log, cfg.TopicStatus, true, statusMessage(a.Snapshot()))
		}
	}
}

// commandReply decodes and runs one command message; failures become log
// messages so the sender always gets an answer.
func commandReply(ctx context.Context, d *Dispatcher, payload []byte) any {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return logMessage("error", "invalid command payload: %v", err)
	}
	reply, err := d.Handle(ctx, cmd)
	if err != nil {
		return logMessage("error", "%s", rejection(err))
	}
	return reply
}

func publishJSON(client mqtt.Client, log *slog.Logger, topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("json marshal error", "topic", topic, "error", err)
		return
	}
	token := client.Publish(topic, 0, retained, payload)
	token.Wait()
	if token.Error() != nil {
		log.Warn("publish error", "topic", topic, "error", token.Error())
	}
}
