package queue

import (
	"encoding/json"
	"time"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// Item is one pending trace with the context it was logged under.
type Item struct {
	// Context is the caller-supplied ingestion context, e.g. a sensor or tenant name.
	Context    map[string]string `json:"context,omitempty"`
	Trace      *model.Trace      `json:"trace"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Encode serializes an item for durable buses.
func (i *Item) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// Decode parses a serialized item.
func Decode(data []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}
