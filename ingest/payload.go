package ingest

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed body of an event, selected by event type. Every
// variant marshals to the JSON stored in spooler.Event.Payload.
type Payload interface {
	EventType() string
}

type PageView struct {
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Feed     string `json:"feed,omitempty"`
}

func (PageView) EventType() string { return "page_view" }

// ContentExposure describes a post or item that entered the viewport.
type ContentExposure struct {
	ContentID   string  `json:"contentId,omitempty"`
	Author      string  `json:"author,omitempty"`
	Text        string  `json:"text,omitempty"`
	VisibleMs   int64   `json:"visibleMs,omitempty"`
	VisibleFrac float64 `json:"visibleFraction,omitempty"`
}

func (ContentExposure) EventType() string { return "content_exposure" }

type Interaction struct {
	Action    string `json:"action"`
	ContentID string `json:"contentId,omitempty"`
	Target    string `json:"target,omitempty"`
}

func (Interaction) EventType() string { return "interaction" }

type Scroll struct {
	DeltaY    float64 `json:"deltaY"`
	Position  float64 `json:"position,omitempty"`
	VelocityY float64 `json:"velocity,omitempty"`
}

func (Scroll) EventType() string { return "scroll" }

type Screenshot struct {
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
}

func (Screenshot) EventType() string { return "screenshot" }

type PageSnapshot struct {
	ContentHash string `json:"contentHash,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
}

func (PageSnapshot) EventType() string { return "page_snapshot" }

// Sensor carries device-originated readings such as app state or screen time.
type Sensor struct {
	Name   string             `json:"name"`
	Values map[string]float64 `json:"values,omitempty"`
	State  string             `json:"state,omitempty"`
}

func (Sensor) EventType() string { return "sensor" }

// RawPayload keeps bytes that did not decode into a known variant.
type RawPayload struct {
	Type string
	Data []byte
}

func (r RawPayload) EventType() string { return r.Type }

// MarshalJSON stores valid JSON as is and anything else as {"raw": "..."}.
func (r RawPayload) MarshalJSON() ([]byte, error) {
	if len(r.Data) > 0 && json.Valid(r.Data) {
		return r.Data, nil
	}
	return json.Marshal(map[string]string{"raw": string(r.Data)})
}

func newVariant(eventType string) Payload {
	switch eventType {
	case "page_view":
		return &PageView{}
	case "content_exposure":
		return &ContentExposure{}
	case "interaction":
		return &Interaction{}
	case "scroll":
		return &Scroll{}
	case "screenshot":
		return &Screenshot{}
	case "page_snapshot":
		return &PageSnapshot{}
	case "sensor":
		return &Sensor{}
	default:
		return nil
	}
}

// DecodePayload returns the variant for eventType. Unknown types and data that
// does not fit the variant fall back to RawPayload.
func DecodePayload(eventType string, data []byte) Payload {
	v := newVariant(eventType)
	if v == nil || len(data) == 0 {
		return RawPayload{Type: eventType, Data: data}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return RawPayload{Type: eventType, Data: data}
	}
	return deref(v)
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *PageView:
		return *v
	case *ContentExposure:
		return *v
	case *Interaction:
		return *v
	case *Scroll:
		return *v
	case *Screenshot:
		return *v
	case *PageSnapshot:
		return *v
	case *Sensor:
		return *v
	}
	return p
}

func encodePayload(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return b, nil
}
