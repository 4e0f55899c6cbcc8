package engine

import "github.com/opensesame/sesame/internal/content"

// Acknowledgment frame constants understood by the client SDKs.
const (
	StoredEventLabel = "rtvi-ai"
	StoredEventType  = "storage-item-stored"
)

// StoredEvent tells the transport that a mutation was queued for storage.
// It does not imply the write has committed.
type StoredEvent struct {
	Label string          `json:"label"`
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Data  StoredEventData `json:"data"`
}

// StoredEventData carries the queued mutation.
type StoredEventData struct {
	Action Action           `json:"action"`
	Items  content.Snapshot `json:"items"`
}

// Event renders the acknowledgment for r. It returns false when there is
// nothing to acknowledge: the save was rejected or appended no items.
func (r Result) Event() (StoredEvent, bool) {
	if !r.Queued || r.Mutation.Empty() {
		return StoredEvent{}, false
	}
	items := r.Mutation.Items
	if items == nil {
		items = content.Snapshot{}
	}
	return StoredEvent{
		Label: StoredEventLabel,
		Type:  StoredEventType,
		ID:    r.Version,
		Data:  StoredEventData{Action: r.Mutation.Action, Items: items},
	}, true
}
