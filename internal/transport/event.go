package transport

import (
	"encoding/json"
	"time"

	"github.com/kitchen/beaver/internal/domain"
)

// wireEvent is the JSON payload shipped by the redis and amqp transports.
// The line content is opaque; tags come from the watch configuration.
type wireEvent struct {
	Timestamp time.Time         `json:"@timestamp"`
	Message   string            `json:"message"`
	Path      string            `json:"path"`
	Offset    int64             `json:"offset"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// encodeRecord serializes one record as a wire event.
func encodeRecord(rec *domain.LineRecord) ([]byte, error) {
	return json.Marshal(wireEvent{
		Timestamp: rec.ReadAt,
		Message:   string(rec.Line),
		Path:      rec.Path,
		Offset:    rec.StartOffset,
		Tags:      rec.Tags,
	})
}
