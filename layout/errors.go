package layout

import "fmt"

// MalformedLayout is fatal to labeling an account: a type reference is
// dangling, an offset overflows 32 bytes, or two packed variables overlap.
// Construction of the LayoutIndex fails with this error naming the
// offending variable.
type MalformedLayout struct {
	Variable string
	Detail   string
}

func (e *MalformedLayout) Error() string {
	return fmt.Sprintf("layout: malformed layout at %q: %s", e.Variable, e.Detail)
}
