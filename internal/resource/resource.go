package resource

import (
	"fmt"
	"time"
)

// Name identifies one of the upstream resource streams.
type Name string

const (
	IDX   Name = "IDX"
	VOW   Name = "VOW"
	Media Name = "MEDIA"
)

// All lists the resources in their processing order.
var All = []Name{IDX, VOW, Media}

// Descriptor holds the static configuration for one resource stream.
type Descriptor struct {
	Name           Name
	Endpoint       string
	Credential     string
	TimestampField string

	// AltTimestampFields are tried in order when a record is missing the
	// primary timestamp field. The upstream is inconsistent about which
	// timestamp a media record carries.
	AltTimestampFields []string

	// ConflictKey names the columns that define row identity for upserts
	// and for in-run deduplication.
	ConflictKey []string

	// FloorDate is the earliest timestamp a run will consider.
	FloorDate time.Time

	// Table is the destination table name.
	Table string

	// WindowWidth is the default width of one walk window.
	WindowWidth time.Duration

	// HighCardinality marks streams whose known record count exceeds the
	// upstream query cap by an order of magnitude. Full runs of these skip
	// the optimistic single-predicate attempt. The walk width always comes
	// from WindowWidth; the configured high-cardinality streams set it to
	// 7 days.
	HighCardinality bool
}

// Validate checks that a descriptor is complete enough to run.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("resource: name is required")
	}
	if d.Endpoint == "" {
		return fmt.Errorf("resource %s: endpoint is required", d.Name)
	}
	if d.Credential == "" {
		return fmt.Errorf("resource %s: credential is required", d.Name)
	}
	if d.TimestampField == "" {
		return fmt.Errorf("resource %s: timestamp field is required", d.Name)
	}
	if len(d.ConflictKey) == 0 {
		return fmt.Errorf("resource %s: conflict key is required", d.Name)
	}
	if d.Table == "" {
		return fmt.Errorf("resource %s: table is required", d.Name)
	}
	if d.FloorDate.IsZero() {
		return fmt.Errorf("resource %s: floor date is required", d.Name)
	}
	if d.WindowWidth <= 0 {
		return fmt.Errorf("resource %s: window width must be positive", d.Name)
	}
	return nil
}

// Parse maps a CLI resource name to a Name.
func Parse(s string) (Name, error) {
	switch Name(s) {
	case IDX, VOW, Media:
		return Name(s), nil
	}
	return "", fmt.Errorf("resource: unknown resource %q", s)
}
