package policycompiler

import (
	"context"

	"github.com/sealgate/gateway/pkg/canonical"
	"github.com/sealgate/gateway/pkg/observability"
)

// NativeRule is one rule translated into the shape the external policy
// engine's decision API expects, matching policyengine.engineResult's
// MatchedIDs/DenyReasons vocabulary. The compiler emits these in
// declaration order, allow and deny rules interleaved as written; the
// unreferenced-rule check in validate.go treats the first rule whose
// condition matches, in that order, as the deciding one.
type NativeRule struct {
	ID                   string                          `json:"id"`
	Provider             string                          `json:"provider,omitempty"`
	Method               string                          `json:"method,omitempty"`
	Environment          string                          `json:"environment,omitempty"`
	ParameterConstraints map[string]ParameterConstraint `json:"parameter_constraints,omitempty"`
	Action               Action                          `json:"action"`
	Reason               string                          `json:"reason,omitempty"`
}

// NativeBundle is the artifact handed to policyengine.Adapter.Upload.
type NativeBundle struct {
	Version string       `json:"version"`
	Package string       `json:"package"`
	Rules   []NativeRule `json:"rules"`
}

// Artifact is the result of a successful Compile call.
type Artifact struct {
	Bundle NativeBundle
	Bytes  []byte // canonical JSON, suitable for Adapter.Upload
}

// Compile validates a declarative policy source document and translates it
// into the engine-native rule form. The version is the hex-encoded
// canonical hash of the source bytes themselves, so two operators who
// submit byte-identical source always get the same policy_version without
// needing a central counter, and any edit (even whitespace-insignificant
// in YAML terms, since hashing happens over the raw submitted document)
// produces a new version.
func Compile(source []byte) (*Artifact, error) {
	parsed, raw, err := parseRaw(source)
	if err != nil {
		return nil, err
	}

	if errs := validateRawShape(raw, parsed); len(errs) > 0 {
		return nil, errs
	}

	version := canonical.HashBytes(source)

	bundle := NativeBundle{
		Version: version,
		Package: parsed.Package,
		Rules:   make([]NativeRule, 0),
	}
	for _, p := range parsed.Policies {
		for _, r := range p.Rules {
			bundle.Rules = append(bundle.Rules, NativeRule{
				ID:                   r.ID,
				Provider:             r.Condition.Provider,
				Method:               r.Condition.Method,
				Environment:          r.Condition.Environment,
				ParameterConstraints: r.Condition.ParameterConstraints,
				Action:               r.Action,
				Reason:               r.Reason,
			})
		}
	}

	out, err := canonical.Serialize(bundle)
	if err != nil {
		return nil, err
	}

	return &Artifact{Bundle: bundle, Bytes: out}, nil
}

// CompileWithObservability wraps Compile with a TrackCompile span/metric.
// sealgatectl does not use this: it is a one-shot process that exits
// before any batched OTLP export would flush, so instrumenting it would
// only ever produce dropped spans. This exists for an in-process caller
// such as a long-running policy-management service that holds a shared
// observability.Provider.
func CompileWithObservability(ctx context.Context, obs *observability.Provider, source []byte) (*Artifact, error) {
	if obs == nil {
		return Compile(source)
	}
	pkg := ""
	if parsed, _, perr := parseRaw(source); perr == nil {
		pkg = parsed.Package
	}
	_, done := obs.TrackCompile(ctx, pkg)
	art, err := Compile(source)
	done(err)
	return art, err
}
