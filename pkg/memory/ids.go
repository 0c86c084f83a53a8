package memory

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewRecordID returns a lexically sortable record identifier. Sorting by id
// sorts by creation time, which keeps scan-heavy queries cache-friendly.
func NewRecordID() string {
	return "mem-" + strings.ToLower(ulid.Make().String())
}

// NewDerivedID returns an id for consolidation-derived records.
func NewDerivedID() string {
	return "pat-" + strings.ToLower(ulid.Make().String())
}
