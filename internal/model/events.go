package model

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of frame types an engine stream emits.
// Payload types are fixed per kind; unknown wire strings are rejected
// at decode time instead of leaking through as raw JSON.
type EventKind int

const (
	EventStatus EventKind = iota
	EventPositions
	EventClosedTrade
	EventLTPBatch
)

var eventKindNames = map[EventKind]string{
	EventStatus:      "status",
	EventPositions:   "positions",
	EventClosedTrade: "closed_trade",
	EventLTPBatch:    "ltp_batch",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ParseEventKind maps a wire type string to its EventKind.
func ParseEventKind(s string) (EventKind, bool) {
	for k, name := range eventKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Event is one decoded stream frame. Exactly one payload field is set,
// determined by Kind.
type Event struct {
	Kind        EventKind
	Status      *EngineStatus
	Positions   []PositionView
	ClosedTrade *ClosedTradeRecord
	LTP         map[string]PriceTick
}

// frame is the raw wire envelope: {"type": "...", "data": ...}.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent parses a JSON stream frame into a typed Event.
func DecodeEvent(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	kind, ok := ParseEventKind(f.Type)
	if !ok {
		return Event{}, fmt.Errorf("decode frame: unknown event type %q", f.Type)
	}

	ev := Event{Kind: kind}
	switch kind {
	case EventStatus:
		var st EngineStatus
		if err := json.Unmarshal(f.Data, &st); err != nil {
			return Event{}, fmt.Errorf("decode status payload: %w", err)
		}
		ev.Status = &st
	case EventPositions:
		// Full list replace: an empty array is a valid payload meaning
		// "no open positions", so nil and [] both decode to a non-nil slice.
		positions := []PositionView{}
		if err := json.Unmarshal(f.Data, &positions); err != nil {
			return Event{}, fmt.Errorf("decode positions payload: %w", err)
		}
		ev.Positions = positions
	case EventClosedTrade:
		var ct ClosedTradeRecord
		if err := json.Unmarshal(f.Data, &ct); err != nil {
			return Event{}, fmt.Errorf("decode closed_trade payload: %w", err)
		}
		ev.ClosedTrade = &ct
	case EventLTPBatch:
		batch := map[string]PriceTick{}
		if err := json.Unmarshal(f.Data, &batch); err != nil {
			return Event{}, fmt.Errorf("decode ltp_batch payload: %w", err)
		}
		ev.LTP = batch
	}
	return ev, nil
}

// EncodeEvent marshals a typed Event back into its wire frame.
// Used by the engine simulator and by tests.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload any
	switch ev.Kind {
	case EventStatus:
		payload = ev.Status
	case EventPositions:
		payload = ev.Positions
	case EventClosedTrade:
		payload = ev.ClosedTrade
	case EventLTPBatch:
		payload = ev.LTP
	default:
		return nil, fmt.Errorf("encode frame: unknown kind %v", ev.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(frame{Type: ev.Kind.String(), Data: data})
}
