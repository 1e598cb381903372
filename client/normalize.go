package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amirhf/imageSearch/services/lookalike-go/models"
)

// responseShape names which of the accepted body layouts a response used.
type responseShape int

const (
	shapeUnknown responseShape = iota
	shapeList                  // [ ... ]
	shapeResults               // { "results": [ ... ] }
	shapeSegments              // { "segments": [ ... ] }
	shapeCancelled             // { "cancelled": true } or { "status": "cancelled" }
)

func (s responseShape) String() string {
	switch s {
	case shapeList:
		return "list"
	case shapeResults:
		return "results"
	case shapeSegments:
		return "segments"
	case shapeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var errUnexpectedShape = errors.New("unexpected response shape")

// envelope is the union of every object field the service may send.
type envelope struct {
	Results   json.RawMessage `json:"results"`
	Segments  json.RawMessage `json:"segments"`
	RequestID string          `json:"requestId"`
	Cancelled bool            `json:"cancelled"`
	Status    string          `json:"status"`
	Success   *bool           `json:"success"`
	Error     string          `json:"error"`
}

func (e envelope) cancelled() bool {
	return e.Cancelled || e.Status == "cancelled"
}

// searchPayload is a normalised search response.
type searchPayload struct {
	shape     responseShape
	results   []models.SearchResultItem
	requestID string
}

// decodeSearch detects the shape of a search body and normalises it to a list.
func decodeSearch(body []byte) (searchPayload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return searchPayload{}, errUnexpectedShape
	}

	switch trimmed[0] {
	case '[':
		var items []models.SearchResultItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return searchPayload{}, fmt.Errorf("decode result list: %w", err)
		}
		return searchPayload{shape: shapeList, results: items}, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return searchPayload{}, fmt.Errorf("decode response: %w", err)
		}
		if env.cancelled() {
			return searchPayload{shape: shapeCancelled, requestID: env.RequestID}, nil
		}
		if !isJSONArray(env.Results) {
			return searchPayload{}, errUnexpectedShape
		}
		var items []models.SearchResultItem
		if err := json.Unmarshal(env.Results, &items); err != nil {
			return searchPayload{}, fmt.Errorf("decode results: %w", err)
		}
		return searchPayload{shape: shapeResults, results: items, requestID: env.RequestID}, nil
	default:
		return searchPayload{}, errUnexpectedShape
	}
}

// splitPayload is a normalised split response.
type splitPayload struct {
	shape     responseShape
	segments  []models.Segment
	requestID string
}

// decodeSplit detects whether a split body carries segments or results and
// normalises either to segments, dropping entries without an image.
func decodeSplit(body []byte) (splitPayload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return splitPayload{}, errUnexpectedShape
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return splitPayload{}, fmt.Errorf("decode response: %w", err)
	}
	if env.cancelled() {
		return splitPayload{shape: shapeCancelled, requestID: env.RequestID}, nil
	}

	var (
		shape responseShape
		raw   json.RawMessage
	)
	switch {
	case isJSONArray(env.Segments):
		shape, raw = shapeSegments, env.Segments
	case isJSONArray(env.Results):
		shape, raw = shapeResults, env.Results
	case env.Success != nil && !*env.Success:
		if env.Error != "" {
			return splitPayload{}, errors.New(env.Error)
		}
		return splitPayload{}, errors.New("service reported failure")
	default:
		return splitPayload{}, errUnexpectedShape
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return splitPayload{}, fmt.Errorf("decode %s: %w", shape, err)
	}

	segments := make([]models.Segment, 0, len(entries))
	for _, entry := range entries {
		if seg := normalizeSegment(entry); seg.Image != "" {
			segments = append(segments, seg)
		}
	}
	return splitPayload{shape: shape, segments: segments, requestID: env.RequestID}, nil
}

// normalizeSegment accepts a bare string or an object naming the image under one
// of several keys. Anything else becomes an empty placeholder.
func normalizeSegment(raw json.RawMessage) models.Segment {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return models.Segment{}
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return models.Segment{}
		}
		return models.Segment{Image: s}
	case '{':
		var obj struct {
			Image        any `json:"image"`
			EncodedImage any `json:"encodedImage"`
			Segment      any `json:"segment"`
			Data         any `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return models.Segment{}
		}
		for _, v := range []any{obj.Image, obj.EncodedImage, obj.Segment, obj.Data} {
			if s, ok := v.(string); ok && s != "" {
				return models.Segment{Image: s}
			}
		}
	}
	return models.Segment{}
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
