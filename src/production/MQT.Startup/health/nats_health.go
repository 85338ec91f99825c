package health

import (
	"fmt"
	"time"

	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	"github.com/nats-io/nats.go"
)

// ConnectNATSWithTimeout connects the event forwarder to NATS with unlimited reconnects
func ConnectNATSWithTimeout(url string, timeout time.Duration, log *logger.Logger) (*nats.Conn, error) {
	log = log.WithComponent("nats")
	conn, err := nats.Connect(url,
		nats.Name("iot-hub"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.ErrorWithError(err, "nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}
	return conn, nil
}
