package events

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSEgress mirrors bus events onto NATS subjects for out-of-process
// consumers (HUD adapters, learning pipelines). Publishing is best-effort:
// a failed publish is logged and dropped, never retried.
type NATSEgress struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
	cancel func()
}

// NewNATSEgress connects to NATS and bridges every event published on bus to
// the subject <prefix>.<type with ':' replaced by '.'>.
func NewNATSEgress(bus *Bus, url, prefix string, logger *zap.Logger) (*NATSEgress, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("agent-exchange-egress"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	e := &NATSEgress{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
	e.cancel = bus.SubscribeFunc(e.publish)
	return e, nil
}

func (e *NATSEgress) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("egress marshal failed", zap.Error(err))
		return
	}
	if err := e.conn.Publish(e.subject(ev.Type), data); err != nil {
		e.logger.Warn("egress publish failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func (e *NATSEgress) subject(t Type) string {
	return e.prefix + "." + strings.ReplaceAll(string(t), ":", ".")
}

// Close detaches from the bus and drains the connection.
func (e *NATSEgress) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.conn != nil {
		_ = e.conn.Drain()
	}
}
