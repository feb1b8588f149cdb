package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Payload is one immutable unit of telemetry. It is created at Send time
// and is either delivered and discarded, or persisted into the buffer.
type Payload struct {
	DeviceID  string                 `json:"device_id"`
	Timestamp float64                `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	PayloadID string                 `json:"payload_id"`
}

// NewPayload wraps data into a payload with a collision-resistant id.
func NewPayload(deviceID string, data map[string]interface{}) Payload {
	return Payload{
		DeviceID:  deviceID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Data:      data,
		PayloadID: uuid.NewString(),
	}
}
