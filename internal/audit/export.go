package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports records as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports records as a JSON array.
	ExportFormatJSON ExportFormat = "json"
	// ExportFormatCBOR exports records as a CBOR array, the compact form
	// used for long-term archival.
	ExportFormatCBOR ExportFormat = "cbor"
)

// ExportOptions configures audit record export parameters.
type ExportOptions struct {
	Format   ExportFormat // Export format (csv, json or cbor)
	From     time.Time    // Start of time range (inclusive)
	To       time.Time    // End of time range (inclusive)
	UserHash string       // Filter by user hash (optional)
	Limit    int          // Maximum number of entries to export (0 = no limit)
}

// exportRecord is the stable wire shape shared by JSON and CBOR exports.
type exportRecord struct {
	ID           string `json:"id" cbor:"1,keyasint"`
	Timestamp    string `json:"timestamp" cbor:"2,keyasint"`
	RequestID    string `json:"request_id,omitempty" cbor:"3,keyasint,omitempty"`
	UserHash     string `json:"user_hash,omitempty" cbor:"4,keyasint,omitempty"`
	FederationID string `json:"federation_id,omitempty" cbor:"5,keyasint,omitempty"`
	ResourceID   string `json:"resource_id,omitempty" cbor:"6,keyasint,omitempty"`
	Component    string `json:"component,omitempty" cbor:"7,keyasint,omitempty"`
	Operation    string `json:"operation" cbor:"8,keyasint"`
	Outcome      string `json:"outcome" cbor:"9,keyasint"`
	Error        string `json:"error,omitempty" cbor:"10,keyasint,omitempty"`
	SourceIP     string `json:"source_ip,omitempty" cbor:"11,keyasint,omitempty"`
}

// ExportRecords exports audit records matching the given options.
// Returns the exported data as bytes in the specified format.
func ExportRecords(repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON && opts.Format != ExportFormatCBOR {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
	if opts.UserHash == "" {
		return nil, fmt.Errorf("export requires a user hash filter")
	}

	// Query without limit first so the limit applies after time filtering.
	records, err := repo.QueryByUser(opts.UserHash, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	if !opts.From.IsZero() || !opts.To.IsZero() {
		records = filterByTimeRange(records, opts.From, opts.To)
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}

	switch opts.Format {
	case ExportFormatCSV:
		return exportToCSV(records)
	case ExportFormatJSON:
		return exportToJSON(records)
	case ExportFormatCBOR:
		return exportToCBOR(records)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
}

// filterByTimeRange filters records to entries within the time range.
func filterByTimeRange(records []*Record, from, to time.Time) []*Record {
	var filtered []*Record
	for _, rec := range records {
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.CreatedAt.After(to) {
			continue
		}
		filtered = append(filtered, rec)
	}
	return filtered
}

func toExportRecords(records []*Record) []exportRecord {
	out := make([]exportRecord, len(records))
	for i, rec := range records {
		out[i] = exportRecord{
			ID:           rec.ID,
			Timestamp:    rec.CreatedAt.Format(time.RFC3339),
			RequestID:    rec.RequestID,
			UserHash:     rec.UserHash,
			FederationID: rec.FederationID,
			ResourceID:   rec.ResourceID,
			Component:    rec.Component,
			Operation:    rec.Operation,
			Outcome:      rec.Outcome,
			Error:        rec.Error,
			SourceIP:     rec.SourceIP,
		}
	}
	return out
}

func exportToCSV(records []*Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Request ID",
		"User Hash",
		"Federation ID",
		"Resource ID",
		"Component",
		"Operation",
		"Outcome",
		"Error",
		"Source IP",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.CreatedAt.Format(time.RFC3339),
			rec.RequestID,
			rec.UserHash,
			rec.FederationID,
			rec.ResourceID,
			rec.Component,
			rec.Operation,
			rec.Outcome,
			rec.Error,
			rec.SourceIP,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(records []*Record) ([]byte, error) {
	data, err := json.MarshalIndent(toExportRecords(records), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func exportToCBOR(records []*Record) ([]byte, error) {
	data, err := cbor.Marshal(toExportRecords(records))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CBOR: %w", err)
	}
	return data, nil
}

// DecodeCBORExport decodes a CBOR export blob back into its wire records.
// Used by archival verification tooling.
func DecodeCBORExport(data []byte) ([]map[string]any, error) {
	var raw []map[int]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CBOR export: %w", err)
	}

	fieldNames := map[int]string{
		1: "id", 2: "timestamp", 3: "request_id", 4: "user_hash",
		5: "federation_id", 6: "resource_id", 7: "component",
		8: "operation", 9: "outcome", 10: "error", 11: "source_ip",
	}

	out := make([]map[string]any, len(raw))
	for i, entry := range raw {
		m := make(map[string]any, len(entry))
		for k, v := range entry {
			name, ok := fieldNames[k]
			if !ok {
				continue
			}
			m[name] = v
		}
		out[i] = m
	}
	return out, nil
}
