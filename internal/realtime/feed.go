package realtime

import (
	"encoding/json"
	"time"

	"caravel/internal/saga"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Send(msg []byte)
}

// TransitionBroadcaster returns an engine transition listener that publishes
// a JSON notification per committed transition.
func TransitionBroadcaster(b Broadcaster) func(from saga.State, inst *saga.Instance) {
	return func(from saga.State, inst *saga.Instance) {
		payload := struct {
			Type          string    `json:"type"`
			CorrelationID string    `json:"correlation_id"`
			From          string    `json:"from"`
			To            string    `json:"to"`
			Version       int64     `json:"version"`
			TrackingCode  string    `json:"tracking_code"`
			At            time.Time `json:"at"`
		}{
			Type:          "saga_transition",
			CorrelationID: inst.CorrelationID.String(),
			From:          string(from),
			To:            string(inst.State),
			Version:       inst.Version,
			TrackingCode:  inst.TrackingCode,
			At:            inst.UpdatedAt,
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		b.Send(data)
	}
}
