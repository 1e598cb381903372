package models

// SearchRequest represents the search request body sent to the similarity service
type SearchRequest struct {
	Image       string `json:"image"`
	ResultCount int    `json:"resultCount"`
}

// SplitRequest represents the split request body
type SplitRequest struct {
	Image string `json:"image"`
}

// CleanupRequest asks the service to drop requests older than MaxAgeSeconds
type CleanupRequest struct {
	MaxAgeSeconds int `json:"maxAgeSeconds"`
}

// SearchResultItem represents a single search result.
// Similarity is passed through as received; the service conventionally uses [0, 1].
type SearchResultItem struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
	Image      string  `json:"image"`
}

// SearchResponse represents the wrapped form of the search response body
type SearchResponse struct {
	Results   []SearchResultItem `json:"results"`
	RequestID string             `json:"requestId,omitempty"`
}

// Segment is one sub-image produced by a split
type Segment struct {
	Image string `json:"image"`
}

// RecentRequest is a request the service reports as currently known to it.
// Timestamp is milliseconds since epoch.
type RecentRequest struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

// RecentRequests is the body of the recent requests listing
type RecentRequests struct {
	Requests []RecentRequest `json:"requests"`
}

// Ack is a free-form acknowledgement returned by cancel and cleanup calls
type Ack map[string]any

// HistoryEntry is one persisted, storage-capped record of a past search.
// Timestamp is milliseconds since epoch. Thumbnail holds base64 without a data URI prefix.
type HistoryEntry struct {
	ID              string             `json:"id"`
	Timestamp       int64              `json:"timestamp"`
	SourceImageName string             `json:"sourceImageName"`
	TopSimilarity   float64            `json:"topSimilarity"`
	Results         []SearchResultItem `json:"results"`
	Thumbnail       string             `json:"thumbnail"`
}
