package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultBufferSize = 1000

// New creates the event bus that carries the audit stream.
// "channel" (or empty) keeps entries in process; "nats" ships them to a cluster
// where the worker may run in another process.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		size := cfg.ChannelBufferSize
		if size <= 0 {
			size = defaultBufferSize
		}
		return NewChannelBus(size), nil

	case "nats":
		if cfg.NATSUrl == "" {
			return nil, fmt.Errorf("nats event bus requires a url")
		}
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
