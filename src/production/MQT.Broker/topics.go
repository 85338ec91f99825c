package broker

import (
	"errors"
	"fmt"
	"strings"
)

// MessageKind is the last segment(s) of a device topic
type MessageKind string

const (
	KindData            MessageKind = "data"
	KindStatus          MessageKind = "status"
	KindAlerts          MessageKind = "alerts"
	KindCommands        MessageKind = "commands"
	KindCommandResponse MessageKind = "commands/response"
)

// ErrInvalidTopic is returned for topics outside the device namespace
var ErrInvalidTopic = errors.New("invalid device topic")

// Topic is a parsed <root>/<mallId>/devices/<deviceId>/<kind> topic
type Topic struct {
	Root     string
	MallID   string
	DeviceID string
	Kind     MessageKind
}

func (t Topic) String() string {
	return DeviceTopic(t.Root, t.MallID, t.DeviceID, t.Kind)
}

// DeviceTopic builds <root>/<mallId>/devices/<deviceId>/<kind>
func DeviceTopic(root, mallID, deviceID string, kind MessageKind) string {
	return fmt.Sprintf("%s/%s/devices/%s/%s", root, mallID, deviceID, kind)
}

// CommandTopic is where the hub publishes commands for a device
func CommandTopic(root, mallID, deviceID string) string {
	return DeviceTopic(root, mallID, deviceID, KindCommands)
}

// ErrorTopic is where ingestion reports rejected device input
func ErrorTopic(root, mallID, deviceID string) string {
	return fmt.Sprintf("%s/ingestor/errors/%s/%s", root, mallID, deviceID)
}

// Filter subscribes to one message kind of every device in every mall
func Filter(root string, kind MessageKind) string {
	return DeviceTopic(root, "+", "+", kind)
}

// Shared wraps filter in an MQTT shared subscription when group is set
func Shared(group, filter string) string {
	if group == "" {
		return filter
	}
	return fmt.Sprintf("$share/%s/%s", group, filter)
}

// ParseTopic splits a received topic under root into its parts
func ParseTopic(root, topic string) (Topic, error) {
	rest, ok := strings.CutPrefix(topic, root+"/")
	if !ok {
		return Topic{}, fmt.Errorf("%w: %q not under %q", ErrInvalidTopic, topic, root)
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 4 || parts[1] != "devices" {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	t := Topic{Root: root, MallID: parts[0], DeviceID: parts[2], Kind: MessageKind(strings.Join(parts[3:], "/"))}
	if t.MallID == "" || t.DeviceID == "" {
		return Topic{}, fmt.Errorf("%w: empty mall or device in %q", ErrInvalidTopic, topic)
	}
	if strings.ContainsAny(t.MallID+t.DeviceID, "+#") {
		return Topic{}, fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, topic)
	}

	switch t.Kind {
	case KindData, KindStatus, KindAlerts, KindCommands, KindCommandResponse:
		return t, nil
	}
	return Topic{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, t.Kind)
}
