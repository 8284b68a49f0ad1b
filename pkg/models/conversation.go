package models

import (
	"sort"
	"strings"
)

// DirectConversationID builds the canonical id for a two-party chat so both
// devices address the same conversation regardless of who initiates it.
func DirectConversationID(a, b string) string {
	ids := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(ids)
	return "dc_" + ids[0] + ":" + ids[1]
}

// NormalizeMessage trims the identifier fields of a message that crossed
// the wire.
func NormalizeMessage(msg Message) Message {
	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.SenderID = strings.TrimSpace(msg.SenderID)
	return msg
}
