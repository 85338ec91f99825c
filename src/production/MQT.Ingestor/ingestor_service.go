package mqtingestor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	broker "github.com/deerfields/molls-sub000/src/production/MQT.Broker"
	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
	worker "github.com/deerfields/molls-sub000/src/production/MQT.Worker"
)

// MessageBroker is the part of the MQTT client the ingestor uses.
// *broker.Client implements it.
type MessageBroker interface {
	Subscribe(filter string, qos byte, handler broker.Handler) error
	Unsubscribe(filters ...string) error
	PublishAsync(topic string, qos byte, payload []byte)
}

// ResponseHandler resolves command responses received from devices
type ResponseHandler interface {
	HandleResponse(ctx context.Context, mallID, deviceID string, payload []byte) error
}

type message struct {
	topic      broker.Topic
	payload    []byte
	receivedAt time.Time
}

// Ingestor subscribes to device topics and feeds the pipeline through a
// bounded worker pool
type Ingestor struct {
	mqttCfg   config.MQTTConfig
	hubCfg    config.HubConfig
	broker    MessageBroker
	pipeline  *Pipeline
	responses ResponseHandler
	pool      *worker.Pool[message]
	filters   []string
	log       *logger.Logger
}

func New(mqttCfg config.MQTTConfig, hubCfg config.HubConfig, b MessageBroker, pipeline *Pipeline, responses ResponseHandler, log *logger.Logger) *Ingestor {
	i := &Ingestor{
		mqttCfg:   mqttCfg,
		hubCfg:    hubCfg,
		broker:    b,
		pipeline:  pipeline,
		responses: responses,
		log:       log.WithComponent("ingestor"),
	}
	i.pool = worker.NewPool("ingest", hubCfg.Workers, hubCfg.QueueSize, i.process)
	return i
}

// Start launches the workers and subscribes to data, status, alerts and
// command responses. Device traffic is load balanced across hub replicas
// when a shared group is configured; command responses are not, since
// only the replica that sent a command can resolve it.
func (i *Ingestor) Start(ctx context.Context) error {
	if err := i.pool.Start(ctx); err != nil {
		return err
	}

	root := i.mqttCfg.TopicRoot
	i.filters = []string{
		broker.Shared(i.mqttCfg.SharedGroup, broker.Filter(root, broker.KindData)),
		broker.Shared(i.mqttCfg.SharedGroup, broker.Filter(root, broker.KindStatus)),
		broker.Shared(i.mqttCfg.SharedGroup, broker.Filter(root, broker.KindAlerts)),
	}
	if i.responses != nil {
		i.filters = append(i.filters, broker.Filter(root, broker.KindCommandResponse))
	}

	for _, filter := range i.filters {
		if err := i.broker.Subscribe(filter, 1, i.onMessage); err != nil {
			return err
		}
	}
	i.log.WithField("filters", i.filters).Info("ingestor started")
	return nil
}

// Stop unsubscribes and drains queued messages for up to the shutdown grace
func (i *Ingestor) Stop() error {
	if len(i.filters) > 0 {
		if err := i.broker.Unsubscribe(i.filters...); err != nil {
			i.log.WithError(err).Warn("failed to unsubscribe")
		}
	}

	err := i.pool.Stop(i.hubCfg.ShutdownGrace)
	stats := i.pool.Stats()
	i.log.WithFields(map[string]interface{}{
		"processed": stats.Processed,
		"failed":    stats.Failed,
		"abandoned": stats.Abandoned,
	}).Info("ingestor stopped")
	return err
}

// Stats exposes the worker pool counters
func (i *Ingestor) Stats() worker.PoolStats {
	return i.pool.Stats()
}

func (i *Ingestor) onMessage(topic string, payload []byte) {
	t, err := broker.ParseTopic(i.mqttCfg.TopicRoot, topic)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonBadTopic).Inc()
		i.log.WithField("topic", topic).WithError(err).Warn("dropping message on unexpected topic")
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(t.Kind)).Inc()

	msg := message{topic: t, payload: payload, receivedAt: time.Now().UTC()}
	switch err := i.pool.SubmitWait(msg, i.hubCfg.EnqueueTimeout); {
	case err == nil:
	case errors.Is(err, worker.ErrQueueFull):
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonQueueFull).Inc()
		i.log.WithDevice(t.MallID, t.DeviceID).Warn("ingest queue full, dropping message")
	default:
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonShuttingDown).Inc()
		i.log.WithDevice(t.MallID, t.DeviceID).WithError(err).Debug("ingestor not accepting messages")
	}
}

func (i *Ingestor) process(ctx context.Context, msg message) error {
	start := time.Now()
	kind := string(msg.topic.Kind)
	src := Source{MallID: msg.topic.MallID, DeviceID: msg.topic.DeviceID, ReceivedAt: msg.receivedAt}

	var err error
	switch msg.topic.Kind {
	case broker.KindData:
		var res *DataResult
		res, err = i.pipeline.HandleData(ctx, src, msg.payload)
		if res != nil && err != nil {
			// stored, only a follow-up step failed
			i.log.WithDevice(src.MallID, src.DeviceID).WithField("reading_id", res.Reading.ID).ErrorWithError(err, "reading stored with errors")
			err = nil
		}
	case broker.KindStatus:
		_, err = i.pipeline.HandleStatus(ctx, src, msg.payload)
	case broker.KindAlerts:
		_, err = i.pipeline.HandleDeviceAlert(ctx, src, msg.payload)
	case broker.KindCommandResponse:
		if i.responses != nil {
			err = i.responses.HandleResponse(ctx, src.MallID, src.DeviceID, msg.payload)
		}
	default:
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonBadTopic).Inc()
		return nil
	}
	metrics.ProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.MessagesProcessed.WithLabelValues(kind).Inc()
		return nil
	}

	reason := DropReason(err)
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	log := i.log.WithDevice(src.MallID, src.DeviceID).WithFields(map[string]interface{}{"kind": kind, "reason": reason})
	switch {
	case reason == metrics.ReasonDuplicate:
		log.Debug("duplicate reading ignored")
		return nil
	case IsRejection(err):
		log.WithError(err).Warn("message rejected")
		i.publishError(src, reason, err)
		return nil
	default:
		log.ErrorWithError(err, "failed to process message")
		return err
	}
}

type errorFeedback struct {
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	MallID    string    `json:"mall_id"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// publishError tells the device why its message was rejected
func (i *Ingestor) publishError(src Source, errorType string, cause error) {
	if !i.mqttCfg.ErrorFeedback {
		return
	}
	payload, err := json.Marshal(errorFeedback{
		ErrorType: errorType,
		Message:   cause.Error(),
		MallID:    src.MallID,
		DeviceID:  src.DeviceID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		i.log.WithError(err).Warn("failed to marshal error feedback")
		return
	}
	i.broker.PublishAsync(broker.ErrorTopic(i.mqttCfg.TopicRoot, src.MallID, src.DeviceID), 1, payload)
}
