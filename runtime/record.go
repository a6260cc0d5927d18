package runtime

import (
	"strconv"

	"github.com/petal-labs/petalrun/store"
)

// EventRecord converts a published envelope into its persisted form.
func EventRecord(sessionID string, env Envelope) store.Event {
	return store.Event{
		SessionID:     sessionID,
		ID:            env.Seq(),
		Type:          string(env.Type),
		Payload:       env.Data,
		Timestamp:     env.Meta.Timestamp,
		Source:        env.Meta.Source,
		CorrelationID: env.Meta.CorrelationID,
	}
}

// EnvelopeFromRecord rebuilds the envelope a persisted event was created
// from, so store replay and live delivery look the same to viewers.
func EnvelopeFromRecord(e store.Event) Envelope {
	data := e.Payload
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Meta: Meta{
			ID:            strconv.FormatUint(e.ID, 10),
			Timestamp:     e.Timestamp,
			Source:        e.Source,
			CorrelationID: e.CorrelationID,
			Seq:           e.ID,
		},
		Type: EventKind(e.Type),
		Data: data,
	}
}
