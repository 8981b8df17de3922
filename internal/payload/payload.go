// Package payload decodes platform webhook deliveries and collapses
// the two wire shapes the platform emits into one internal event type.
package payload

import "encoding/json"

// Delivery is the top-level webhook body: { object, entry: [...] }.
type Delivery struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry carries events for one platform account. Older deliveries put
// message events in a flat "messaging" list; current deliveries wrap
// them in a "changes" list with a field discriminator. Both shapes
// remain live, so both are modeled.
type Entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
	Changes   []Change          `json:"changes"`
}

// Change is one element of the current-shape "changes" list. Only
// elements with Field == "messages" carry a message payload.
type Change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// messageItem is the shared shape of a single raw message event, found
// either directly in the legacy messaging list or under a change's
// "value" key.
type messageItem struct {
	Sender    participant  `json:"sender"`
	Recipient participant  `json:"recipient"`
	Timestamp int64        `json:"timestamp"` // epoch milliseconds
	Message   *messageBody `json:"message"`
}

type participant struct {
	ID string `json:"id"`
}

type messageBody struct {
	MID         string          `json:"mid"`
	Text        string          `json:"text"`
	Attachments json.RawMessage `json:"attachments"`
}
