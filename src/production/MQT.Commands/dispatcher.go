// Package commands sends commands to devices and correlates their responses
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	broker "github.com/deerfields/molls-sub000/src/production/MQT.Broker"
	eventbus "github.com/deerfields/molls-sub000/src/production/MQT.EventBus"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	registry "github.com/deerfields/molls-sub000/src/production/MQT.Registry"
	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/google/uuid"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxPending = 100000
)

// Publisher is the part of the MQTT client the dispatcher uses.
// *broker.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	IsConnected() bool
}

// DeviceLookup resolves the mall of a device. *registry.Registry implements it.
type DeviceLookup interface {
	GetDevice(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error)
}

var commandNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)

// pending is a sent command waiting for its response. resolved is won
// exactly once, by the response or by the eviction.
type pending struct {
	resolved atomic.Bool
	mu       sync.Mutex
	cmd      mqtmodels.Command
}

func (p *pending) snapshot() mqtmodels.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

// answeredBy reports whether a response on mallID/deviceID's topic belongs
// to this command
func (p *pending) answeredBy(mallID, deviceID string) bool {
	cmd := p.snapshot()
	return cmd.MallID == mallID && cmd.DeviceID == deviceID
}

// Dispatcher publishes commands and keeps a TTL bounded correlation table.
// Commands are not persisted; a restart forgets in-flight commands.
type Dispatcher struct {
	root      string
	publisher Publisher
	devices   DeviceLookup
	bus       *eventbus.Bus
	log       *logger.Logger
	ttl       time.Duration

	pending  cache.Cache[string, *pending]
	resolved cache.Cache[string, mqtmodels.Command]

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewDispatcher(topicRoot string, publisher Publisher, devices DeviceLookup, bus *eventbus.Bus, log *logger.Logger, ttl time.Duration, maxPending int) *Dispatcher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	d := &Dispatcher{
		root:      topicRoot,
		publisher: publisher,
		devices:   devices,
		bus:       bus,
		log:       log.WithComponent("commands"),
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
	d.pending = cache.NewCache[string, *pending]().WithTTL(ttl).WithMaxKeys(maxPending).WithOnEvicted(d.onEvicted)
	d.resolved = cache.NewCache[string, mqtmodels.Command]().WithTTL(ttl).WithMaxKeys(maxPending).WithLRU()
	return d
}

// Start runs the janitor that expires unanswered commands every TTL/2
func (d *Dispatcher) Start() {
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.Expire()
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	d.wg.Wait()
	d.stop = nil
}

// Expire marks every command past its TTL as timed out
func (d *Dispatcher) Expire() {
	d.pending.DeleteExpired()
	d.resolved.DeleteExpired()
}

type envelope struct {
	ID         string                    `json:"id"`
	Command    string                    `json:"command"`
	Parameters map[string]interface{}    `json:"parameters,omitempty"`
	Priority   mqtmodels.CommandPriority `json:"priority"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// SendCommand publishes a command to a device and returns it in state sent.
// It fails fast with a *mqtmodels.ConnectivityError when the broker is
// down and never retries.
func (d *Dispatcher) SendCommand(ctx context.Context, deviceID, name string, parameters map[string]interface{}, priority mqtmodels.CommandPriority) (*mqtmodels.Command, error) {
	if err := registry.ValidateIdentifier("deviceId", deviceID); err != nil {
		return nil, err
	}
	if !commandNamePattern.MatchString(name) {
		return nil, &mqtmodels.ValidationError{Field: "command", Message: fmt.Sprintf("invalid command name %q", name)}
	}
	if priority == "" {
		priority = mqtmodels.PriorityNormal
	}
	if !priority.Valid() {
		return nil, &mqtmodels.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", priority)}
	}
	if !d.publisher.IsConnected() {
		return nil, &mqtmodels.ConnectivityError{Op: "send command"}
	}

	device, err := d.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("%w: %s", mqtmodels.ErrDeviceNotFound, deviceID)
	}

	cmd := mqtmodels.Command{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		MallID:     device.MallID,
		Name:       name,
		Parameters: parameters,
		Priority:   priority,
		IssuedAt:   d.now(),
		Status:     mqtmodels.CommandStatusSent,
	}
	payload, err := json.Marshal(envelope{
		ID:         cmd.ID,
		Command:    cmd.Name,
		Parameters: cmd.Parameters,
		Priority:   cmd.Priority,
		Timestamp:  cmd.IssuedAt,
	})
	if err != nil {
		return nil, &mqtmodels.ValidationError{Field: "parameters", Message: err.Error()}
	}

	// registered before publishing so a fast response finds it
	entry := &pending{cmd: cmd}
	d.pending.Set(cmd.ID, entry, 0)

	topic := broker.CommandTopic(d.root, cmd.MallID, cmd.DeviceID)
	if err := d.publisher.Publish(ctx, topic, 1, payload); err != nil {
		entry.resolved.Store(true)
		d.pending.Invalidate(cmd.ID)
		return nil, err
	}

	metrics.CommandsSent.WithLabelValues(string(priority)).Inc()
	d.log.WithDevice(cmd.MallID, cmd.DeviceID).
		WithFields(map[string]interface{}{"command_id": cmd.ID, "command": cmd.Name, "priority": string(priority)}).
		Info("command sent")
	return &cmd, nil
}

type response struct {
	CommandID string                 `json:"commandId"`
	Status    string                 `json:"status"`
	Result    map[string]interface{} `json:"result"`
	Error     string                 `json:"error"`
}

func responseStatus(s string) (mqtmodels.CommandStatus, bool) {
	switch s {
	case "success", "ok", "acked", "completed":
		return mqtmodels.CommandStatusAcked, true
	case "error", "failed", "rejected":
		return mqtmodels.CommandStatusFailed, true
	}
	return "", false
}

// HandleResponse resolves the command a device answered on its response
// topic. Responses for unknown, expired or already answered commands, and
// responses from a topic other than the command's mall and device, are
// counted and ignored.
func (d *Dispatcher) HandleResponse(_ context.Context, mallID, deviceID string, payload []byte) error {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return mqtmodels.Malformed("invalid command response", err)
	}
	if resp.CommandID == "" {
		return mqtmodels.Malformed("commandId is required", nil)
	}
	status, ok := responseStatus(resp.Status)
	if !ok {
		return mqtmodels.Malformed(fmt.Sprintf("unknown response status %q", resp.Status), nil)
	}

	log := d.log.WithDevice(mallID, deviceID).WithField("command_id", resp.CommandID)
	entry, ok := d.pending.Peek(resp.CommandID)
	if !ok || !entry.answeredBy(mallID, deviceID) || !entry.resolved.CompareAndSwap(false, true) {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnmatchedAnswer).Inc()
		log.Warn("response for unknown or expired command")
		return nil
	}

	now := d.now()
	entry.mu.Lock()
	entry.cmd.Status = status
	entry.cmd.RespondedAt = &now
	entry.cmd.Response = resp.Result
	entry.cmd.Error = resp.Error
	cmd := entry.cmd
	entry.mu.Unlock()

	d.resolved.Set(cmd.ID, cmd, 0)
	d.pending.Invalidate(cmd.ID)

	metrics.CommandResponses.WithLabelValues(string(status)).Inc()
	d.bus.Publish(eventbus.CommandResponse{Command: cmd})
	log.WithField("status", string(status)).Info("command resolved")
	return nil
}

// Command returns a sent command while it is pending or recently resolved
func (d *Dispatcher) Command(id string) (mqtmodels.Command, bool) {
	if cmd, ok := d.resolved.Peek(id); ok {
		return cmd, true
	}
	if entry, ok := d.pending.Peek(id); ok {
		return entry.snapshot(), true
	}
	return mqtmodels.Command{}, false
}

// onEvicted runs under the correlation table lock and must not call back into it
func (d *Dispatcher) onEvicted(id string, entry *pending) {
	if !entry.resolved.CompareAndSwap(false, true) {
		return
	}
	entry.mu.Lock()
	entry.cmd.Status = mqtmodels.CommandStatusTimedOut
	cmd := entry.cmd
	entry.mu.Unlock()

	d.resolved.Set(id, cmd, 0)
	metrics.CommandTimeouts.Inc()
	d.log.WithDevice(cmd.MallID, cmd.DeviceID).WithField("command_id", id).Warn("command timed out")
}
