// Package cursor implements the resumable position within an index
// traversal (spec.md §3 "Cursor"). The executor treats a Cursor as
// opaque except for one predicate -- IsTerminal -- and one invariant it
// enforces on its behalf: a non-terminal cursor is never held alongside
// an empty batch.
package cursor

import "fmt"

// Cursor is an opaque, serializable resume token. The zero value is the
// initial, non-terminal cursor ("start of traversal").
type Cursor struct {
	token    []byte
	terminal bool
}

// New wraps an opaque resume token produced by a prior fetch response.
func New(token []byte) Cursor {
	return Cursor{token: token}
}

// Start is the initial cursor for a fresh traversal: non-terminal, with
// no prior position.
var Start = Cursor{}

// Terminal is the cursor that marks "no further rows". Splits holding a
// Terminal cursor never issue another fetch (§4.1 step 2).
var Terminal = Cursor{terminal: true}

// IsTerminal reports whether this cursor marks the end of the traversal.
func (c Cursor) IsTerminal() bool { return c.terminal }

// Token returns the opaque resume bytes a fetch client round-trips back
// to the remote member. Meaningless on a terminal cursor.
func (c Cursor) Token() []byte { return c.token }

func (c Cursor) String() string {
	if c.terminal {
		return "terminal"
	}
	return fmt.Sprintf("cursor(%x)", c.token)
}

// Equal reports token-level equality; two terminal cursors are always
// equal regardless of token.
func (c Cursor) Equal(other Cursor) bool {
	if c.terminal != other.terminal {
		return false
	}
	if c.terminal {
		return true
	}
	return string(c.token) == string(other.token)
}
