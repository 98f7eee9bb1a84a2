package events

import (
	"fmt"
	"strings"
)

// UnknownEventError is returned when a recorder input names an event absent
// from the catalog. A caller bug, never retried.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown analytics event %q", e.Name)
}

// MissingMetadataError is returned when required metadata keys are absent or
// null. It lists every missing key, not just the first.
type MissingMetadataError struct {
	Name        string
	MissingKeys []string
}

func (e *MissingMetadataError) Error() string {
	return fmt.Sprintf("analytics event %q missing required metadata keys: %s",
		e.Name, strings.Join(e.MissingKeys, ", "))
}

// InvalidTimestampError is returned when an explicit occurredAt value cannot
// be parsed.
type InvalidTimestampError struct {
	Value any
}

func (e *InvalidTimestampError) Error() string {
	return fmt.Sprintf("unparsable occurredAt value %v (%T)", e.Value, e.Value)
}
