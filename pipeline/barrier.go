package pipeline

import (
	"encoding/json"
	"fmt"
)

// forbiddenKeys are payload keys that must never cross the validator
// boundary. Both wire spellings are checked.
var forbiddenKeys = []string{
	"user_message", "userMessage",
	"conversation_history", "conversationHistory",
	"conversation_id", "conversationId",
	"journal_data", "journalData",
	"gear_catalog", "gearCatalog",
}

// ScrubPayload removes forbidden keys from the top level of a payload.
// It returns the scrubbed payload and the names of any keys dropped, so
// the caller can log the barrier violation.
func ScrubPayload(raw json.RawMessage) (json.RawMessage, []string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("scrub payload: %w", err)
	}

	var dropped []string
	for _, key := range forbiddenKeys {
		if _, ok := fields[key]; ok {
			delete(fields, key)
			dropped = append(dropped, key)
		}
	}
	if len(dropped) == 0 {
		return raw, nil, nil
	}

	scrubbed, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("scrub payload: %w", err)
	}
	return scrubbed, dropped, nil
}
