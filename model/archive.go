package model

import "time"

// Identity is the stable archive key of one logical message.
type Identity string

// Terminal statuses recorded in the last hop of a redirect chain when the chain
// did not end on a plain HTTP response.
const (
	HopStatusLoop     = "loop"
	HopStatusHopLimit = "hop-limit"
	HopStatusTimeout  = "timeout"
	HopStatusError    = "error"
)

// Hop is one request of a redirect chain. Status is the HTTP status code or one of the
// terminal HopStatus values.
type Hop struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

// LinkEntry describes one unique outbound link of an archived message.
type LinkEntry struct {
	Index         int    `json:"index"`
	Text          string `json:"text"`
	OriginalURL   string `json:"original_url"`
	FinalURL      string `json:"final_url"`
	RedirectChain []Hop  `json:"redirect_chain"`
	Domain        string `json:"domain"`
	IsTracking    bool   `json:"is_tracking"`
	IsSecure      bool   `json:"is_secure"`
	IsDev         bool   `json:"is_dev"`
}

// Pixel match reasons.
const (
	PixelReasonTrackingDomain = "known-tracking-domain"
	PixelReasonDimensions     = "1x1-dimensions"
)

// PixelEntry is a tracking pixel that was defused.
type PixelEntry struct {
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	MatchReason string `json:"match_reason"`
}

// PlatformUnknown is reported when no signature matched.
const PlatformUnknown = "unknown"

// AuditSummary captures a few quality indicators of the message.
type AuditSummary struct {
	SubjectLengthClass string `json:"subject_length_class"`
	UnsubscribeFound   bool   `json:"unsubscribe_found"`
	LinkCount          int    `json:"link_count"`
	ImagesWithoutAlt   int    `json:"images_without_alt"`
}

// Metadata is the document stored next to the sanitized HTML of every archive record.
// Together with index.html it is the whole contract with the viewer generator.
type Metadata struct {
	ID          Identity     `json:"id"`
	Subject     string       `json:"subject"`
	Sender      string       `json:"sender"`
	ReceivedAt  time.Time    `json:"received_at"`
	ArchivedAt  time.Time    `json:"archived_at"`
	Preheader   string       `json:"preheader"`
	ReadingTime int          `json:"reading_time"`
	Platform    string       `json:"platform"`
	Forwarded   bool         `json:"forwarded"`
	Pixels      []PixelEntry `json:"pixels"`
	Links       []LinkEntry  `json:"links"`
	Audit       AuditSummary `json:"audit"`
	Assets      []string     `json:"assets"`
}
