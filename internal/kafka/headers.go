package kafka

import (
	"context"
	"slices"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

const headerEventType = "event-type"

// HeaderCarrier adapts message headers to propagation.TextMapCarrier so
// trace context travels with every event.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	*c = slices.DeleteFunc(*c, func(h segkafka.Header) bool { return h.Key == key })
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// outgoingHeaders carries the active trace context and the event type.
func outgoingHeaders(ctx context.Context, eventType string) []segkafka.Header {
	headers := make(HeaderCarrier, 0, 3)
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	if eventType != "" {
		headers.Set(headerEventType, eventType)
	}
	return headers
}
