package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID string. Task and execution identifiers use ULIDs so
// that they sort by creation time.
func NewID() string {
	return ulid.Make().String()
}
