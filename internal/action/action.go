// Package action defines action references and the records the log keeps:
// one immutable entry per completed concept action, carrying its input and
// output bindings and the sequence number that is the log's only ordering
// guarantee.
package action

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/value"
)

// Ref names a concept action as "concept.action", e.g. "schedule.create".
type Ref string

// refPattern constrains both halves to identifier syntax. Concept and
// action names are lowercase-led; digits and underscores may follow.
var refPattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9_]*\.[a-z][a-zA-Z0-9_]*$`)

// MakeRef builds a Ref from concept and action names.
func MakeRef(concept, action string) Ref {
	return Ref(concept + "." + action)
}

// Concept returns the concept half of the reference.
func (r Ref) Concept() string {
	if i := strings.IndexByte(string(r), '.'); i >= 0 {
		return string(r)[:i]
	}
	return string(r)
}

// Action returns the action half of the reference.
func (r Ref) Action() string {
	if i := strings.IndexByte(string(r), '.'); i >= 0 {
		return string(r)[i+1:]
	}
	return ""
}

// Validate checks the "concept.action" syntax.
func (r Ref) Validate() error {
	if !refPattern.MatchString(string(r)) {
		return fmt.Errorf("invalid action reference %q, expected \"concept.action\"", string(r))
	}
	return nil
}

func (r Ref) String() string { return string(r) }

// Record is one completed action: who ran, with what input, producing what
// output, at which point in the log. Records are immutable once appended;
// Seq is assigned by the engine's clock at append time and is the only
// ordering guarantee the log makes.
type Record struct {
	Seq     int64
	Concept string
	Action  string
	Input   value.Object
	Output  value.Object
	Stamp   time.Time
}

// Ref returns the record's action reference.
func (r *Record) Ref() Ref {
	return MakeRef(r.Concept, r.Action)
}
