package server

import (
	"encoding/json"

	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
)

type MeResponse struct {
	Subject string `json:"subject"`
	Source  string `json:"source" enum:"jwt,api_key"`
}

// FactResponse carries the type tag next to the value so clients can tell
// an int 1 from a bool true.
type FactResponse struct {
	Type  string `json:"type" enum:"int,float,bool,string,unicode"`
	Value any    `json:"value"`
}

type ObservingBlockResponse struct {
	Block    domain.ObservingBlock   `json:"block"`
	Frames   []domain.Frame          `json:"frames"`
	Facts    map[string]FactResponse `json:"facts"`
	Children []string                `json:"children"`
}

type ResultResponse struct {
	Result   domain.ReductionResult `json:"result"`
	Products []domain.DataProduct   `json:"products"`
}

type ProductResponse struct {
	Product domain.DataProduct      `json:"product"`
	Facts   map[string]FactResponse `json:"facts"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type" example:"result.recorded"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func observingBlockResponse(ob domain.ObservingBlock, frames []domain.Frame, items map[string]facts.Value, children []domain.ObservingBlock) ObservingBlockResponse {
	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	return ObservingBlockResponse{
		Block:    ob,
		Frames:   nonNilSlice(frames),
		Facts:    factMap(items),
		Children: ids,
	}
}

func factMap(items map[string]facts.Value) map[string]FactResponse {
	out := make(map[string]FactResponse, len(items))
	for k, v := range items {
		out[k] = FactResponse{Type: string(v.Type()), Value: v.Interface()}
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
