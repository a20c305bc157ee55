package bus

import (
	"github.com/squadflow/squadflow/internal/common/config"
	"github.com/squadflow/squadflow/internal/common/logger"
)

// New selects the bus implementation from configuration. An empty URL selects
// the in-memory bus; anything else connects to NATS JetStream.
func New(cfg config.MessageBusConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		opts := Options{
			StreamName:        cfg.StreamName,
			RetentionMessages: cfg.RetentionMessages,
			RetentionAge:      cfg.RetentionAge,
			AckWait:           cfg.AckWait,
		}
		if opts.StreamName == "" || opts.AckWait <= 0 {
			opts = DefaultOptions()
		}
		return NewMemoryBus(opts, log), nil
	}
	return NewJetStreamBus(cfg, log)
}
