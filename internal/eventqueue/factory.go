package eventqueue

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultCapacity = 4096

// BuildFromDSN opens a queue from memory://, file:///path or
// kafka://broker1:9092,broker2:9092/topic. An empty DSN means no queue.
func BuildFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryQueue(capacity), nil
	case "", "file":
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		if parsed.Scheme == "" {
			path = dsn
		}
		return NewFileQueue(path, capacity)
	case "kafka":
		topic := strings.Trim(parsed.Path, "/")
		var brokers []string
		for _, broker := range strings.Split(parsed.Host, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				brokers = append(brokers, broker)
			}
		}
		return NewKafkaQueue(KafkaOptions{Brokers: brokers, Topic: topic})
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", parsed.Scheme)
	}
}
