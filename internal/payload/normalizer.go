package payload

import (
	"encoding/json"
	"time"

	"github.com/loopmesh/dm-ingest/internal/models"
)

// ObjectInstagram is the delivery discriminator this pipeline handles.
// Deliveries for other objects are acknowledged and ignored.
const ObjectInstagram = "instagram"

// Parse decodes a verified request body into a Delivery.
func Parse(body []byte) (*Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Normalize flattens a delivery into zero or more MessageEvents.
// Entries without a recognizable message payload and changes whose
// field is not "messages" are skipped, not errored: the platform adds
// structures we do not understand and a whole delivery must never fail
// because of one of them.
func Normalize(d *Delivery) []models.MessageEvent {
	var events []models.MessageEvent
	for _, entry := range d.Entry {
		isTest := entry.ID == models.SentinelAccountID

		for _, raw := range entry.Messaging {
			if ev, ok := normalizeItem(entry, raw, isTest); ok {
				events = append(events, ev)
			}
		}

		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			if ev, ok := normalizeItem(entry, change.Value, isTest); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

func normalizeItem(entry Entry, raw json.RawMessage, isTest bool) (models.MessageEvent, bool) {
	var item messageItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return models.MessageEvent{}, false
	}
	// Delivery receipts, reactions and other non-message notifications
	// arrive in the same list without a "message" key.
	if item.Message == nil {
		return models.MessageEvent{}, false
	}

	return models.MessageEvent{
		PlatformAccountID: entry.ID,
		SenderID:          item.Sender.ID,
		RecipientID:       item.Recipient.ID,
		PlatformMessageID: item.Message.MID,
		Text:              item.Message.Text,
		Attachments:       item.Message.Attachments,
		OccurredAt:        occurredAt(item.Timestamp, entry.Time),
		RawPayload:        raw,
		IsTest:            isTest,
	}, true
}

// occurredAt prefers the per-message millisecond timestamp, then the
// entry-level second timestamp, then arrival time.
func occurredAt(itemMillis, entrySeconds int64) time.Time {
	if itemMillis > 0 {
		return time.UnixMilli(itemMillis).UTC()
	}
	if entrySeconds > 0 {
		return time.Unix(entrySeconds, 0).UTC()
	}
	return time.Now().UTC()
}
