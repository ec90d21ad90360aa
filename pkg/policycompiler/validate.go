package policycompiler

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/sealgate/gateway/pkg/canonical"
)

// ValidationError describes one defect found while validating a policy
// source document. Compile collects every error it can find rather than
// stopping at the first, so an operator sees the whole list in one pass.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a non-empty list of ValidationError.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	if len(es) == 1 {
		return fmt.Sprintf("validation error: %s", es[0].Error())
	}
	return fmt.Sprintf("%d validation errors, first: %s", len(es), es[0].Error())
}

// validateRawShape re-walks the document as generic maps to catch field
// names the typed decode would otherwise silently drop, then checks
// cross-rule invariants: duplicate rule IDs, unreferenced conditions, and
// conflicting min/max bounds on the same parameter.
func validateRawShape(raw map[string]any, parsed *PolicySet) ValidationErrors {
	var errs ValidationErrors

	policiesRaw, _ := raw["policies"].([]any)
	for pi, pRaw := range policiesRaw {
		pMap, ok := pRaw.(map[string]any)
		if !ok {
			continue
		}
		rulesRaw, _ := pMap["rules"].([]any)
		for ri, rRaw := range rulesRaw {
			rMap, ok := rRaw.(map[string]any)
			if !ok {
				continue
			}
			condRaw, ok := rMap["condition"].(map[string]any)
			if !ok {
				continue
			}
			path := fmt.Sprintf("policies[%d].rules[%d].condition", pi, ri)
			for key := range condRaw {
				if !knownConditionFields[key] {
					errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("unknown condition field %q", key)})
				}
			}
			constraintsRaw, _ := condRaw["parameter_constraints"].(map[string]any)
			for param, cRaw := range constraintsRaw {
				cMap, ok := cRaw.(map[string]any)
				if !ok {
					continue
				}
				cpath := fmt.Sprintf("%s.parameter_constraints[%s]", path, param)
				for key := range cMap {
					if !knownConstraintFields[key] {
						errs = append(errs, ValidationError{Path: cpath, Message: fmt.Sprintf("unknown constraint field %q", key)})
					}
				}
			}
		}
	}

	errs = append(errs, validateRuleIDs(parsed)...)
	errs = append(errs, validateConstraintBounds(parsed)...)
	errs = append(errs, validateDeclaredVersion(parsed)...)
	errs = append(errs, validateUnreferencedRules(parsed)...)

	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

func validateRuleIDs(parsed *PolicySet) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]string) // rule id -> first policy.rule path
	for pi, p := range parsed.Policies {
		for ri, r := range p.Rules {
			path := fmt.Sprintf("policies[%d].rules[%d]", pi, ri)
			if r.ID == "" {
				errs = append(errs, ValidationError{Path: path, Message: "rule id is required"})
				continue
			}
			if first, ok := seen[r.ID]; ok {
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate rule id %q, first defined at %s", r.ID, first)})
				continue
			}
			seen[r.ID] = path

			if r.Action != ActionAllow && r.Action != ActionDeny {
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("unknown action %q", r.Action)})
			}
			if r.Action == ActionDeny && r.Reason == "" {
				errs = append(errs, ValidationError{Path: path, Message: "deny rules must carry a reason"})
			}
		}
	}
	return errs
}

func validateConstraintBounds(parsed *PolicySet) ValidationErrors {
	var errs ValidationErrors
	for pi, p := range parsed.Policies {
		for ri, r := range p.Rules {
			for param, c := range r.Condition.ParameterConstraints {
				path := fmt.Sprintf("policies[%d].rules[%d].condition.parameter_constraints[%s]", pi, ri, param)
				if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
					errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("min (%v) exceeds max (%v)", *c.Min, *c.Max)})
				}
				if c.Equals != nil && (len(c.In) > 0 || len(c.NotIn) > 0) {
					errs = append(errs, ValidationError{Path: path, Message: "equals cannot be combined with in/not_in"})
				}
			}
		}
	}
	return errs
}

// validateUnreferencedRules flags a rule that can never be reached:
// evaluation within a policy stops matching at the first rule whose
// condition fires, so a later rule with a condition identical to an
// earlier one in the same policy is never consulted regardless of its
// own action. Conditions are compared by their canonical serialization
// rather than field-by-field so nested parameter_constraints (a map)
// compare correctly irrespective of declaration order.
func validateUnreferencedRules(parsed *PolicySet) ValidationErrors {
	var errs ValidationErrors
	for pi, p := range parsed.Policies {
		seen := make(map[string]string) // condition signature -> first rule path
		for ri, r := range p.Rules {
			path := fmt.Sprintf("policies[%d].rules[%d]", pi, ri)
			sig, err := canonical.Serialize(r.Condition)
			if err != nil {
				continue
			}
			if first, ok := seen[string(sig)]; ok {
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("rule is unreferenced: condition is identical to %s, which always matches first", first)})
				continue
			}
			seen[string(sig)] = path
		}
	}
	return errs
}

// validateDeclaredVersion checks the source's optional human-facing
// `version` field against semver when present. This never replaces the
// content-hash policy_version the engine actually keys on; it only
// catches an operator declaring "v1" or "latest" where a comparable
// release tag was presumably intended.
func validateDeclaredVersion(parsed *PolicySet) ValidationErrors {
	if parsed.Version == "" {
		return nil
	}
	if _, err := semver.NewVersion(parsed.Version); err != nil {
		return ValidationErrors{{Path: "version", Message: fmt.Sprintf("declared version %q is not valid semver: %v", parsed.Version, err)}}
	}
	return nil
}

// parseRaw decodes the source twice: once into generic maps for shape
// validation, once into the typed PolicySet for compilation.
func parseRaw(source []byte) (*PolicySet, map[string]any, error) {
	var parsed PolicySet
	if err := yaml.Unmarshal(source, &parsed); err != nil {
		return nil, nil, fmt.Errorf("policycompiler: parse: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(source, &raw); err != nil {
		return nil, nil, fmt.Errorf("policycompiler: parse: %w", err)
	}
	return &parsed, raw, nil
}
