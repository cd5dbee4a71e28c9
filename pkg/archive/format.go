package archive

import (
	"strings"
)

// Format is the record encoding of an archive segment
type Format int

const (
	FormatUnknown Format = iota
	FormatCSV
	FormatNDJSON
	FormatAvro
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatNDJSON:
		return "ndjson"
	case FormatAvro:
		return "avro"
	default:
		return "unknown"
	}
}

// DetectFormat derives the format from the object key. A trailing .gz marks
// a gzip-compressed segment.
func DetectFormat(key string) (format Format, compressed bool) {
	name := strings.ToLower(key)
	if strings.HasSuffix(name, ".gz") {
		compressed = true
		name = strings.TrimSuffix(name, ".gz")
	}

	switch {
	case strings.HasSuffix(name, ".csv"):
		format = FormatCSV
	case strings.HasSuffix(name, ".json"),
		strings.HasSuffix(name, ".ndjson"),
		strings.HasSuffix(name, ".jsonl"):
		format = FormatNDJSON
	case strings.HasSuffix(name, ".avro"):
		format = FormatAvro
	}
	return format, compressed
}
