// Package contract implements schema declarations per agent,
// required/enum/cross-field validation, and canonical-JSON input hashing
// for the audit trail.
package contract

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/canon"
)

// CrossFieldRule evaluates an invariant the struct-tag validator cannot
// express, e.g. "if decision=approved then action_authorized=true".
type CrossFieldRule func(data map[string]any) error

// Schema declares the constraints a Contract Validator enforces against one
// side (input or output) of an agent invocation.
type Schema struct {
	// Name identifies the schema for error messages, e.g. "escalation.input".
	Name string

	RequiredFields  []string
	EnumFields      map[string][]string
	CrossFieldRules []CrossFieldRule
}

// Validator runs struct-tag validation via go-playground/validator/v10 on
// typed payloads, then Schema-declared required/enum/cross-field checks on
// their map[string]any projection.
type Validator struct {
	structValidate *validator.Validate
}

// New constructs a Validator backed by a fresh validator.Validate instance.
func New() *Validator {
	return &Validator{structValidate: validator.New()}
}

// ValidateStruct runs struct-tag validation (validate:"required",
// validate:"oneof=...", etc.) over a typed Go value, the primary
// validation pass an agent's input or output goes through.
func (v *Validator) ValidateStruct(payload any) []string {
	err := v.structValidate.Struct(payload)
	if err == nil {
		return nil
	}
	var out []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			out = append(out, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
		}
		return out
	}
	return []string{err.Error()}
}

// ValidateAny runs ValidateStruct against payload when it is a struct or a
// non-nil pointer to one, and is a no-op for anything else. Lets a caller
// holding a generic map[string]any walk every value — typed DTOs like
// *models.Alert or *models.ApprovalRecord alongside plain strings and
// numbers — without type-switching on each one to find the structs worth
// validating.
func (v *Validator) ValidateAny(payload any) []string {
	rv := reflect.ValueOf(payload)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return nil
	}
	return v.ValidateStruct(rv.Interface())
}

// Validate runs a Schema's required-field, enum, and cross-field checks
// against data (the map[string]any projection of an agent's input or
// output). It returns ok, a list of fatal errors, and a list of warnings —
// a CrossFieldRule that returns a WarningError adds a warning, not an error.
// No built-in rule checks approval deadlines.
func (s *Schema) Validate(data map[string]any) (ok bool, errs []string, warnings []string) {
	for _, field := range s.RequiredFields {
		val, present := data[field]
		if !present || isZeroValue(val) {
			errs = append(errs, fmt.Sprintf("%s: required field %q missing", s.Name, field))
		}
	}

	for field, allowed := range s.EnumFields {
		val, present := data[field]
		if !present {
			continue
		}
		str, isStr := val.(string)
		if !isStr {
			errs = append(errs, fmt.Sprintf("%s: field %q is not a string enum value", s.Name, field))
			continue
		}
		if !contains(allowed, str) {
			errs = append(errs, fmt.Sprintf("%s: field %q value %q not in %v", s.Name, field, str, allowed))
		}
	}

	for _, rule := range s.CrossFieldRules {
		if err := rule(data); err != nil {
			if w, isWarning := err.(WarningError); isWarning {
				warnings = append(warnings, w.Error())
				continue
			}
			errs = append(errs, err.Error())
		}
	}

	return len(errs) == 0, errs, warnings
}

// WarningError marks a CrossFieldRule failure as non-fatal.
type WarningError struct{ Msg string }

func (w WarningError) Error() string { return w.Msg }

func isZeroValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

// HashInput canonicalizes data via pkg/canon (sorted keys, millisecond UTC
// timestamps, no insignificant whitespace) and returns the hex-encoded
// SHA-256 digest stored as DecisionRecord.InputsHash.
func HashInput(data map[string]any) (string, error) {
	return canon.Hash(data)
}

// RequireApprovedImpliesAuthorized is a CrossFieldRule instance for the
// Approval agent's output enforcing the full decision<=>action_authorized
// biconditional: approved must carry action_authorized=true, and
// rejected must carry action_authorized=false. A pending decision (no
// human input received yet) is exempt from both directions.
func RequireApprovedImpliesAuthorized(data map[string]any) error {
	decision, _ := data["decision"].(string)
	authorized, _ := data["action_authorized"].(bool)

	switch decision {
	case "approved":
		if !authorized {
			return fmt.Errorf("decision=approved requires action_authorized=true")
		}
	case "rejected":
		if authorized {
			return fmt.Errorf("decision=rejected requires action_authorized=false")
		}
	}
	return nil
}

// FieldsPresent is a small helper for building human-readable field lists in
// test assertions and logs, kept sorted for determinism.
func FieldsPresent(data map[string]any) []string {
	out := make([]string, 0, len(data))
	for k := range data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AsMap returns v unchanged, or an empty map when v is nil, so the result is
// always safe to pass to Schema.Validate. It does not convert structs or
// other typed values.
func AsMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
