// Package normalize converts raw OData payload records into typed rows
// suitable for the relational store. Upstream records are heterogeneous
// JSON objects: booleans arrive as "Y"/"true"/true, numbers as strings or
// floats, and list-valued fields sometimes arrive as bare scalars.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the target type of a normalized column.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
	Time
	StringList
)

// FieldSpec maps one upstream attribute to a destination column.
type FieldSpec struct {
	Source string
	Column string
	Kind   Kind
}

// propertyFields covers the listing attributes the store keeps. IDX and VOW
// share the Property resource shape.
var propertyFields = []FieldSpec{
	{"ListingKey", "ListingKey", String},
	{"ListingId", "ListingId", String},
	{"ModificationTimestamp", "ModificationTimestamp", Time},
	{"OriginalEntryTimestamp", "OriginalEntryTimestamp", Time},
	{"StandardStatus", "StandardStatus", String},
	{"MlsStatus", "MlsStatus", String},
	{"TransactionType", "TransactionType", String},
	{"PropertyType", "PropertyType", String},
	{"PropertySubType", "PropertySubType", String},
	{"ListPrice", "ListPrice", Float},
	{"ClosePrice", "ClosePrice", Float},
	{"CloseDate", "CloseDate", Time},
	{"UnparsedAddress", "UnparsedAddress", String},
	{"StreetNumber", "StreetNumber", String},
	{"StreetName", "StreetName", String},
	{"City", "City", String},
	{"StateOrProvince", "StateOrProvince", String},
	{"PostalCode", "PostalCode", String},
	{"BedroomsTotal", "BedroomsTotal", Int},
	{"BathroomsTotalInteger", "BathroomsTotalInteger", Int},
	{"LivingAreaRange", "LivingAreaRange", String},
	{"Latitude", "Latitude", Float},
	{"Longitude", "Longitude", Float},
	{"ListOfficeName", "ListOfficeName", String},
	{"PublicRemarks", "PublicRemarks", String},
	{"ArchitecturalStyle", "ArchitecturalStyle", StringList},
	{"InternetEntireListingDisplayYN", "InternetEntireListingDisplayYN", Bool},
}

var mediaFields = []FieldSpec{
	{"MediaKey", "MediaKey", String},
	{"ResourceRecordKey", "ResourceRecordKey", String},
	{"ResourceName", "ResourceName", String},
	{"MediaType", "MediaType", String},
	{"MediaCategory", "MediaCategory", String},
	{"MediaURL", "MediaURL", String},
	{"MediaStatus", "MediaStatus", String},
	{"Order", "MediaOrder", Int},
	{"ImageHeight", "ImageHeight", Int},
	{"ImageWidth", "ImageWidth", Int},
	{"ShortDescription", "ShortDescription", String},
	{"PreferredPhotoYN", "PreferredPhotoYN", Bool},
	{"MediaModificationTimestamp", "MediaModificationTimestamp", Time},
	{"ModificationTimestamp", "ModificationTimestamp", Time},
}

var tableFields = map[string][]FieldSpec{
	"property": propertyFields,
	"media":    mediaFields,
}

// Fields returns the field specs for a destination table.
func Fields(table string) []FieldSpec {
	return tableFields[table]
}

// MapRecord converts one raw record into a column→value row for the given
// table. Attributes absent from the record are omitted from the row; present
// attributes that fail coercion are stored as NULL so a malformed value
// never drops the whole record.
func MapRecord(table string, rec map[string]any) map[string]any {
	specs := tableFields[table]
	if specs == nil {
		return copyScalars(rec)
	}

	row := make(map[string]any, len(specs))
	for _, spec := range specs {
		raw, ok := rec[spec.Source]
		if !ok {
			continue
		}
		if raw == nil {
			row[spec.Column] = nil
			continue
		}
		v, err := Coerce(raw, spec.Kind)
		if err != nil {
			row[spec.Column] = nil
			continue
		}
		row[spec.Column] = v
	}
	return row
}

// Coerce converts a raw JSON value to the requested kind.
func Coerce(raw any, kind Kind) (any, error) {
	switch kind {
	case String:
		return asString(raw)
	case Int:
		return asInt(raw)
	case Float:
		return asFloat(raw)
	case Bool:
		return asBool(raw)
	case Time:
		return ParseTimestamp(raw)
	case StringList:
		return asStringList(raw)
	}
	return nil, fmt.Errorf("normalize: unknown kind %d", kind)
}

// timestampLayouts are tried in order. The upstream mixes fractional and
// whole-second timestamps, and close dates arrive date-only.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an upstream timestamp value into UTC time.
func ParseTimestamp(raw any) (time.Time, error) {
	s, err := asString(raw)
	if err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("normalize: empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("normalize: unparseable timestamp %q", s)
}

func asString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	}
	return "", fmt.Errorf("normalize: cannot convert %T to string", raw)
}

func asInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("normalize: cannot convert %T to int", raw)
}

func asFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case json.Number:
		return v.Float64()
	}
	return 0, fmt.Errorf("normalize: cannot convert %T to float", raw)
}

// asBool accepts the upstream's assorted boolean spellings: true, "true",
// "Y", "yes", "1", 1.
func asBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "y", "yes", "true", "1":
			return true, nil
		case "n", "no", "false", "0", "":
			return false, nil
		}
		return false, fmt.Errorf("normalize: unrecognized boolean %q", v)
	}
	return false, fmt.Errorf("normalize: cannot convert %T to bool", raw)
}

// asStringList renders a list-valued attribute as JSON array text. A bare
// scalar becomes a single-element array.
func asStringList(raw any) (string, error) {
	var items []string
	switch v := raw.(type) {
	case []any:
		items = make([]string, 0, len(v))
		for _, el := range v {
			s, err := asString(el)
			if err != nil {
				return "", err
			}
			items = append(items, s)
		}
	default:
		s, err := asString(raw)
		if err != nil {
			return "", err
		}
		items = []string{s}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// copyScalars passes through scalar attributes for tables without a field list.
func copyScalars(rec map[string]any) map[string]any {
	row := make(map[string]any, len(rec))
	for k, v := range rec {
		switch v.(type) {
		case string, float64, bool, nil:
			row[k] = v
		}
	}
	return row
}
