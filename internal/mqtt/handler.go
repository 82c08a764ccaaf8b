package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// CommandHandler receives commands and setting writes arriving over MQTT.
// Implemented by the bridge adaptor in cmd/zapbridge.
type CommandHandler interface {
	HandleCommand(deviceID, command string) error
	HandleSettings(deviceID string, settings map[string]any) error
}

// commandRequest is the payload of a command topic message. Plain string
// payloads are accepted too and treated as a bare command name.
type commandRequest struct {
	Command  string         `json:"command,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Options configures the broker connection.
type Options struct {
	Broker      string
	Port        int
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Handler publishes device state to the broker and feeds incoming commands
// to the attached CommandHandler. State topics are retained so late
// subscribers see the current value immediately.
type Handler struct {
	client      mqtt.Client
	topicPrefix string
	log         *zap.Logger
	handler     CommandHandler
}

// NewHandler connects to the broker. The connection retries in the
// background; publishing before the connection is up is dropped by paho with
// an error token, which is logged and otherwise ignored.
func NewHandler(opts Options, log *zap.Logger) (*Handler, error) {
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(5 * time.Second)
	clientOpts.SetMaxReconnectInterval(time.Minute)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", opts.Broker))
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return &Handler{
		client:      client,
		topicPrefix: opts.TopicPrefix,
		log:         log,
	}, nil
}

// PublishState publishes each changed attribute to its own retained topic,
// {prefix}/devices/{id}/{key}, JSON encoded.
func (h *Handler) PublishState(deviceID string, changed map[string]any) {
	for key, value := range changed {
		payload, err := json.Marshal(value)
		if err != nil {
			h.log.Warn("unencodable attribute",
				zap.String("device", deviceID),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		topic := fmt.Sprintf("%s/devices/%s/%s", h.topicPrefix, deviceID, key)
		if token := h.client.Publish(topic, 1, true, payload); token.Wait() && token.Error() != nil {
			h.log.Warn("publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

// SubscribeCommands wires incoming {prefix}/devices/+/command messages to
// the handler.
func (h *Handler) SubscribeCommands(handler CommandHandler) error {
	h.handler = handler
	topic := fmt.Sprintf("%s/devices/+/command", h.topicPrefix)
	if token := h.client.Subscribe(topic, 1, h.handleMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}
	h.log.Info("subscribed to command topic", zap.String("topic", topic))
	return nil
}

func (h *Handler) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if h.handler == nil {
		return
	}

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 || parts[len(parts)-1] != "command" {
		h.log.Warn("unexpected command topic", zap.String("topic", msg.Topic()))
		return
	}
	deviceID := parts[len(parts)-2]

	var req commandRequest
	payload := msg.Payload()
	if err := json.Unmarshal(payload, &req); err != nil {
		// Bare command name, e.g. "resume_charging".
		req = commandRequest{Command: strings.TrimSpace(string(payload))}
	}

	var err error
	switch {
	case len(req.Settings) > 0:
		err = h.handler.HandleSettings(deviceID, req.Settings)
	case req.Command != "":
		err = h.handler.HandleCommand(deviceID, req.Command)
	default:
		err = fmt.Errorf("empty command payload")
	}
	if err != nil {
		h.log.Warn("command failed",
			zap.String("device", deviceID),
			zap.String("command", req.Command),
			zap.Error(err))
		return
	}
	h.log.Info("command handled",
		zap.String("device", deviceID),
		zap.String("command", req.Command))
}

// Close disconnects from the broker, allowing in-flight messages to flush.
func (h *Handler) Close() {
	h.client.Disconnect(250)
}
