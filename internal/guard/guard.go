// Package guard validates the shape of partial write payloads against
// allow and require sets. All functions are pure: no I/O, no store access.
// They run before any mutating store operation that accepts a
// caller-supplied document.
package guard

import (
	"sort"
	"strings"

	"carbontrace/internal/domain"
)

// FieldSet is a set of document field names.
type FieldSet map[string]struct{}

// NewFieldSet builds a FieldSet from names.
func NewFieldSet(names ...string) FieldSet {
	s := make(FieldSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// KeysOf builds a FieldSet from a document's top-level keys.
func KeysOf(doc domain.Document) FieldSet {
	s := make(FieldSet, len(doc))
	for k := range doc {
		s[k] = struct{}{}
	}
	return s
}

func (s FieldSet) minus(other FieldSet) []string {
	var out []string
	for k := range s {
		if _, ok := other[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ProtectFields fails with InvalidRequestError when requested contains any
// field outside allowed. The error lists exactly requested − allowed.
func ProtectFields(requested, allowed FieldSet) error {
	return protectFields(requested, allowed, "can't modify fields")
}

func protectFields(requested, allowed FieldSet, prefix string) error {
	if extra := requested.minus(allowed); len(extra) > 0 {
		return domain.ErrInvalidRequest("%s: %s", prefix, strings.Join(extra, ", "))
	}
	return nil
}

// RequireFields fails with MissingDataError when any field in required is
// absent from requested. The error lists exactly required − requested.
func RequireFields(requested, required FieldSet) error {
	return requireFields(requested, required, "missing required fields")
}

func requireFields(requested, required FieldSet, prefix string) error {
	if missing := required.minus(requested); len(missing) > 0 {
		return domain.ErrMissingData("%s: %s", prefix, strings.Join(missing, ", "))
	}
	return nil
}

// Rules configures ProtectAndRequire. Exactly one of Fields or the
// (Allowed, Required) pair must be supplied. Fields is shorthand for
// allowed == required == Fields, i.e. an exact-match set.
type Rules struct {
	Fields   FieldSet
	Allowed  FieldSet
	Required FieldSet

	// Optional error message prefixes.
	InvalidPrefix string
	MissingPrefix string
}

// ProtectAndRequire composes ProtectFields and RequireFields. Supplying
// neither Fields nor the (Allowed, Required) pair is a programmer error
// and fails with StateError.
func ProtectAndRequire(requested FieldSet, rules Rules) error {
	if rules.Fields == nil && rules.Allowed == nil && rules.Required == nil {
		return domain.ErrState("guard: missing Fields or Allowed/Required rule sets")
	}
	allowed := rules.Allowed
	required := rules.Required
	if rules.Fields != nil {
		allowed, required = rules.Fields, rules.Fields
	}
	invalidPrefix := rules.InvalidPrefix
	if invalidPrefix == "" {
		invalidPrefix = "can't modify fields"
	}
	missingPrefix := rules.MissingPrefix
	if missingPrefix == "" {
		missingPrefix = "missing required fields"
	}
	if allowed != nil {
		if err := protectFields(requested, allowed, invalidPrefix); err != nil {
			return err
		}
	}
	if required != nil {
		if err := requireFields(requested, required, missingPrefix); err != nil {
			return err
		}
	}
	return nil
}
