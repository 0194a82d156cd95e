package broker

import (
	"encoding/json"
	"fmt"
)

func TriggerTopic(topic string) string {
	return "relay/" + topic + "/trigger"
}

func StatusTopic(topic string) string {
	return "relay/" + topic + "/status"
}

func DeviceStatusTopic(mac string) string {
	return "sys/devices/" + mac + "/status"
}

func HeartbeatTopic(mac string) string {
	return "sys/devices/" + mac + "/heartbeat"
}

const (
	ActionOn    = "on"
	ActionOff   = "off"
	ActionPulse = "pulse"
)

// Command is an inbound trigger. Duration is in milliseconds and only used by pulse.
type Command struct {
	Action   string `json:"action"`
	Duration int64  `json:"duration,omitempty"`
}

func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %w", ErrBadCommand, err)
	}
	switch cmd.Action {
	case ActionOn, ActionOff:
	case ActionPulse:
		if cmd.Duration <= 0 {
			return cmd, fmt.Errorf("%w: pulse needs a positive duration", ErrBadCommand)
		}
	default:
		return cmd, fmt.Errorf("%w: unknown action %q", ErrBadCommand, cmd.Action)
	}
	return cmd, nil
}

type RelayStatus struct {
	State string `json:"state"`
}

// DeviceStatus is published retained on connect; the will carries only Online=false.
type DeviceStatus struct {
	Online    bool   `json:"online"`
	FWVersion string `json:"fw_version,omitempty"`
	MAC       string `json:"mac,omitempty"`
	IP        string `json:"ip,omitempty"`
}

type Heartbeat struct {
	TS   int64  `json:"ts"`
	Heap uint64 `json:"heap"`
}

func relayStatusPayload(on bool) []byte {
	state := ActionOff
	if on {
		state = ActionOn
	}
	b, _ := json.Marshal(RelayStatus{State: state})
	return b
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
