// Package realtime maintains a websocket subscription to the backend's
// change-notification channel and turns wire messages into typed
// document change events.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/avilchez/docsync/internal/document"
)

// Kind classifies a change event.
type Kind int

const (
	// KindInsert is a new row.
	KindInsert Kind = iota

	// KindUpdate is a modified row; New carries the full new state.
	KindUpdate

	// KindDelete is a removed row; Old carries the last known state.
	KindDelete

	// KindResync signals that the subscription was (re)established and
	// any events in between may have been missed. The consumer must
	// refetch the full current state; there is no incremental replay.
	KindResync
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Event is one change delivered by the channel. Insert and update carry
// the full new row; delete carries the old row (at minimum its id).
type Event struct {
	Kind Kind
	New  document.Document
	Old  document.Document
}

// decodeEvent parses a wire message of type "change" into an Event.
// Returns ok=false for messages that are not change events (heartbeats,
// acks) so the caller can skip them without error.
func decodeEvent(data []byte) (Event, bool, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, false, fmt.Errorf("invalid JSON frame")
	}

	msgType := gjson.GetBytes(data, "type").String()
	if msgType != "change" {
		return Event{}, false, nil
	}

	var ev Event

	switch strings.ToUpper(gjson.GetBytes(data, "kind").String()) {
	case "INSERT":
		ev.Kind = KindInsert
	case "UPDATE":
		ev.Kind = KindUpdate
	case "DELETE":
		ev.Kind = KindDelete
	default:
		return Event{}, false, fmt.Errorf("unknown change kind %q", gjson.GetBytes(data, "kind").String())
	}

	if raw := gjson.GetBytes(data, "new"); raw.Exists() && raw.IsObject() {
		if err := json.Unmarshal([]byte(raw.Raw), &ev.New); err != nil {
			return Event{}, false, fmt.Errorf("decoding new row: %w", err)
		}
	}

	if raw := gjson.GetBytes(data, "old"); raw.Exists() && raw.IsObject() {
		if err := json.Unmarshal([]byte(raw.Raw), &ev.Old); err != nil {
			return Event{}, false, fmt.Errorf("decoding old row: %w", err)
		}
	}

	switch ev.Kind {
	case KindInsert, KindUpdate:
		if ev.New.ID == "" {
			return Event{}, false, fmt.Errorf("%s event without new row id", ev.Kind)
		}
	case KindDelete:
		if ev.Old.ID == "" {
			return Event{}, false, fmt.Errorf("delete event without old row id")
		}
	}

	return ev, true, nil
}
