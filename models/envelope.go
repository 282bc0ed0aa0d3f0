package models

import (
	"encoding/json"
	"fmt"
)

// Envelope type discriminators pushed by the dashboard backend.
const (
	TypeNotification = "notification"
	TypePriceUpdate  = "price_update"
	TypeTrade        = "trade"
	TypeAlert        = "alert"
	TypeActivity     = "activity"
)

// InboundEnvelope is the decoded unit of one inbound frame. Payload stays
// opaque at this layer; each consumer decodes the part it understands.
type InboundEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

// DecodeEnvelope parses a raw frame into an InboundEnvelope. Frames that
// are not JSON objects with a string type are rejected.
func DecodeEnvelope(data []byte) (InboundEnvelope, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return InboundEnvelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}
