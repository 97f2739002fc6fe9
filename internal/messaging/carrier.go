package messaging

import (
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
)

// headerCarrier exposes Kafka message headers to otel propagators.
type headerCarrier struct {
	msg *kafka.Message
}

var _ propagation.TextMapCarrier = headerCarrier{}

func carrierFor(msg *kafka.Message) headerCarrier {
	return headerCarrier{msg: msg}
}

func (c headerCarrier) Get(key string) string {
	for i := len(c.msg.Headers) - 1; i >= 0; i-- {
		if c.msg.Headers[i].Key == key {
			return string(c.msg.Headers[i].Value)
		}
	}
	return ""
}

// Set replaces every existing header with the same key.
func (c headerCarrier) Set(key, value string) {
	headers := c.msg.Headers[:0]
	for _, h := range c.msg.Headers {
		if h.Key != key {
			headers = append(headers, h)
		}
	}
	c.msg.Headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
