package eventbus

import (
	"encoding/json"
	"strings"
	"sync"

	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
)

// Publisher is the slice of *nats.Conn the forwarder uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder republishes every bus event as JSON on <prefix>.<kind>.<mallId>
// for the external real-time gateway
type Forwarder struct {
	pub    Publisher
	prefix string
	sub    *Subscription
	log    *logger.Logger
	wg     sync.WaitGroup
}

func NewForwarder(bus *Bus, pub Publisher, prefix string, buffer int, log *logger.Logger) *Forwarder {
	return &Forwarder{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		sub:    bus.Subscribe(buffer),
		log:    log.WithComponent("nats-forwarder"),
	}
}

// Subject returns the NATS subject an event is forwarded to
func (f *Forwarder) Subject(ev Event) string {
	mall := ev.MallID
	if mall == "" {
		mall = "_"
	}
	return f.prefix + "." + ev.Kind.String() + "." + mall
}

func (f *Forwarder) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ev := range f.sub.Events() {
			data, err := json.Marshal(ev)
			if err != nil {
				f.log.WithField("kind", ev.Kind.String()).ErrorWithError(err, "failed to encode event")
				continue
			}
			if err := f.pub.Publish(f.Subject(ev), data); err != nil {
				f.log.WithField("kind", ev.Kind.String()).ErrorWithError(err, "failed to forward event")
			}
		}
	}()
}

// Stop unsubscribes and waits for buffered events to be forwarded
func (f *Forwarder) Stop() {
	f.sub.Unsubscribe()
	f.wg.Wait()
}
