package chat

import "sort"

// TombstoneText is what a viewer sees in place of a message they deleted
// for themselves. The stored record keeps the original text; only the
// viewer-side rendering changes.
const TombstoneText = "This message was deleted"

// DeleteScope selects how far a message deletion reaches.
type DeleteScope int

const (
	// DeleteForSelf hides the message from the deleting participant only.
	// The record survives with the deleter listed in DeletedFor.
	DeleteForSelf DeleteScope = iota
	// DeleteForBoth removes the record for every participant. Sender only.
	DeleteForBoth
)

// Message is one chat record as stored under the conversation's message
// path. DeletedFor maps participant IDs to per-viewer tombstones; absent
// means visible to everyone.
type Message struct {
	ID           string          `json:"id"`
	Text         string          `json:"text"`
	SenderID     string          `json:"senderId"`
	SenderName   string          `json:"senderName,omitempty"`
	ReceiverID   string          `json:"receiverId"`
	ReceiverName string          `json:"receiverName,omitempty"`
	Timestamp    int64           `json:"timestamp"` // unix milliseconds
	Edited       bool            `json:"edited,omitempty"`
	DeletedFor   map[string]bool `json:"deletedFor,omitempty"`
}

// DeletedForViewer reports whether viewerID has deleted this message for
// themselves.
func (m Message) DeletedForViewer(viewerID string) bool {
	return m.DeletedFor[viewerID]
}

// ViewFor returns the copy of m that viewerID should render: identical for
// untouched messages, tombstoned when the viewer deleted it for themselves.
// A tombstone carries the edited mark, since its text no longer matches
// what the sender wrote.
func (m Message) ViewFor(viewerID string) Message {
	if !m.DeletedForViewer(viewerID) {
		return m
	}
	v := m
	v.Text = TombstoneText
	v.Edited = true
	return v
}

// SortTimeline orders messages by (timestamp, id) ascending. The id
// tiebreak makes the order total and identical for both participants even
// when two messages carry the same millisecond.
func SortTimeline(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}
