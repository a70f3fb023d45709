package client

import "github.com/oklog/ulid/v2"

// newULID returns a lexicographically sortable unique id. Request ids sort
// in creation order, which keeps History and Outstanding scans cheap.
func newULID() string {
	return ulid.Make().String()
}
