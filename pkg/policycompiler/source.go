// Package policycompiler compiles the gateway's declarative policy source
// into the external policy engine's native rule form, with deterministic
// content-addressed versioning.
package policycompiler

// PolicySet is the root of a declarative policy source document.
type PolicySet struct {
	Version  string   `yaml:"version"`
	Package  string   `yaml:"package"`
	Policies []Policy `yaml:"policies"`
}

// Policy is a named group of rules.
type Policy struct {
	Name  string `yaml:"name"`
	Rules []Rule `yaml:"rules"`
}

// Action is the verdict a matching rule produces.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is a single ordered condition/action pair.
type Rule struct {
	ID        string    `yaml:"id"`
	Condition Condition `yaml:"condition"`
	Action    Action    `yaml:"action"`
	Reason    string    `yaml:"reason"`
}

// Condition restricts a rule to manifests matching all specified fields.
// Absent fields mean "don't care" for provider/method/environment, and
// "no value" (a failing constraint) for manifest parameters absent at
// evaluation time.
type Condition struct {
	Provider             string                          `yaml:"provider,omitempty"`
	Method               string                          `yaml:"method,omitempty"`
	Environment          string                          `yaml:"environment,omitempty"`
	ParameterConstraints map[string]ParameterConstraint `yaml:"parameter_constraints,omitempty"`
}

// ParameterConstraint is a conjunctive set of checks on a single
// manifest parameter field.
type ParameterConstraint struct {
	Min    *float64 `yaml:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty"`
	Equals any      `yaml:"equals,omitempty"`
	In     []any    `yaml:"in,omitempty"`
	NotIn  []any    `yaml:"not_in,omitempty"`
	Match  string   `yaml:"matches,omitempty"`
}

// knownConditionFields and knownConstraintFields back the "unknown field
// names in conditions" validation rule. Because Condition
// and ParameterConstraint are parsed with gopkg.in/yaml.v3 into typed
// structs already, unknown fields there would simply be dropped; to
// honor the "fail cleanly on unknown fields" requirement the compiler
// re-parses the raw document into maps (see validate.go) and cross-checks
// key sets against these lists before the typed decode is trusted.
var knownConditionFields = map[string]bool{
	"provider": true, "method": true, "environment": true, "parameter_constraints": true,
}

var knownConstraintFields = map[string]bool{
	"min": true, "max": true, "equals": true, "in": true, "not_in": true, "matches": true,
}
