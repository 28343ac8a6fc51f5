package models

import "time"

// StorageType selects the tier a payload lives in
type StorageType string

const (
	StorageInline      StorageType = "inline"
	StorageFastKV      StorageType = "fast-kv"
	StorageObjectStore StorageType = "object-store"
)

// Compression names the codec applied to a stored payload
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// DataReference describes where a payload is stored and how to verify it.
// Inline references carry the payload themselves and no storage key;
// non-inline references carry a checksum verifiable on retrieval.
type DataReference struct {
	StorageType StorageType `json:"storage_type"`
	StorageKey  string      `json:"storage_key,omitempty"`
	InlineData  []byte      `json:"inline_data,omitempty"`
	ContentType string      `json:"content_type"`
	SizeBytes   int64       `json:"size_bytes"`
	Checksum    string      `json:"checksum,omitempty"`
	Compression Compression `json:"compression"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// DeliverableFormat is the sniffed format of a final deliverable
type DeliverableFormat string

const (
	FormatJSON DeliverableFormat = "json"
	FormatHTML DeliverableFormat = "html"
	FormatPDF  DeliverableFormat = "pdf"
	FormatCSV  DeliverableFormat = "csv"
	FormatText DeliverableFormat = "text"
)

// MIMEType returns the MIME type for a deliverable format
func (f DeliverableFormat) MIMEType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatHTML:
		return "text/html"
	case FormatPDF:
		return "application/pdf"
	case FormatCSV:
		return "text/csv"
	default:
		return "text/plain"
	}
}

// DeliverableRecord catalogs a final pipeline output
type DeliverableRecord struct {
	ID          string
	ExecutionID string
	Name        string
	Type        string
	Format      DeliverableFormat
	MIMEType    string
	Reference   DataReference
	CreatedAt   time.Time
}
