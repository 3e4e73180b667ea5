// Package filter decides which subscriber connections receive a request,
// based on the command names in its embedded query.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/query"
)

// Match selects how a FieldSet compares its members with the command keys
// of a query.
type Match int

const (
	// Any admits a query sharing at least one key with the set.
	Any Match = iota
	// All admits a query whose keys include every member of the set.
	All
)

func (m Match) String() string {
	switch m {
	case Any:
		return "any"
	case All:
		return "all"
	}
	return "unknown"
}

// MarshalText encodes the match name.
func (m Match) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a match name. An empty name is Any.
func (m *Match) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "any", "":
		*m = Any
	case "all":
		*m = All
	default:
		return fmt.Errorf("unknown field match %q", text)
	}
	return nil
}

// FieldSet is a named set of command keys. A nil FieldSet admits everything.
type FieldSet map[string]struct{}

// NewFieldSet returns a FieldSet holding fields. It returns nil when fields
// is empty, which disables filtering.
func NewFieldSet(fields ...string) FieldSet {
	if len(fields) == 0 {
		return nil
	}
	s := make(FieldSet, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

// Fields returns the members in sorted order.
func (s FieldSet) Fields() []string {
	a := make([]string, 0, len(s))
	for f := range s {
		a = append(a, f)
	}
	sort.Strings(a)
	return a
}

func (s FieldSet) String() string {
	return "{" + strings.Join(s.Fields(), ",") + "}"
}

// Intersects reports whether any of keys is a member.
func (s FieldSet) Intersects(keys []string) bool {
	for _, k := range keys {
		if _, ok := s[k]; ok {
			return true
		}
	}
	return false
}

// Covered reports whether every member is one of keys.
func (s FieldSet) Covered(keys []string) bool {
	found := make(map[string]struct{}, len(s))
	for _, k := range keys {
		if _, ok := s[k]; ok {
			found[k] = struct{}{}
		}
	}
	return len(found) == len(s)
}

// Admit reports whether payload should be delivered to a subscriber holding
// this FieldSet, admitting any shared key.
func (s FieldSet) Admit(payload []byte) (bool, error) {
	return s.AdmitMatch(payload, Any)
}

// AdmitMatch reports whether payload should be delivered to a subscriber
// holding this FieldSet. Without fields every payload is admitted and the
// payload is not decoded. With fields, the keys of the first command are
// compared with the set according to m; a payload that cannot be decoded is
// a protocol error.
func (s FieldSet) AdmitMatch(payload []byte, m Match) (bool, error) {
	if len(s) == 0 {
		return true, nil
	}
	keys, err := query.Keys(payload)
	if err != nil {
		return false, &queryrelay.Error{
			Code: queryrelay.EProtocol,
			Op:   "filter.Admit",
			Msg:  "cannot read query keys for filtering",
			Err:  err,
		}
	}
	if m == All {
		return s.Covered(keys), nil
	}
	return s.Intersects(keys), nil
}
