package policycompiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealgate/gateway/pkg/observability"
)

const validSource = `
version: "1"
package: gateway
policies:
  - name: payments
    rules:
      - id: deny-large-payment
        condition:
          provider: stripe
          method: create_payment
          parameter_constraints:
            amount:
              min: 5000
        action: deny
        reason: "Payment amount exceeds $50.00 limit"
      - id: allow-small-payment
        condition:
          provider: stripe
          method: create_payment
        action: allow
`

func TestCompile_Valid(t *testing.T) {
	art, err := Compile([]byte(validSource))
	require.NoError(t, err)
	assert.Equal(t, "gateway", art.Bundle.Package)
	require.Len(t, art.Bundle.Rules, 2)
	assert.Equal(t, "deny-large-payment", art.Bundle.Rules[0].ID)
	assert.NotEmpty(t, art.Bundle.Version)
}

func TestCompile_DeterministicVersion(t *testing.T) {
	a1, err := Compile([]byte(validSource))
	require.NoError(t, err)
	a2, err := Compile([]byte(validSource))
	require.NoError(t, err)
	assert.Equal(t, a1.Bundle.Version, a2.Bundle.Version)
}

func TestCompile_DifferentSourceDifferentVersion(t *testing.T) {
	a1, err := Compile([]byte(validSource))
	require.NoError(t, err)
	other := validSource + "\n# trailing comment\n"
	a2, err := Compile([]byte(other))
	require.NoError(t, err)
	assert.NotEqual(t, a1.Bundle.Version, a2.Bundle.Version)
}

func TestCompile_UnknownConditionFieldRejected(t *testing.T) {
	src := `
version: "1"
package: gateway
policies:
  - name: payments
    rules:
      - id: r1
        condition:
          provider: stripe
          currency: usd
        action: allow
`
	_, err := Compile([]byte(src))
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Contains(t, verrs.Error(), "validation error")
}

func TestCompile_DuplicateRuleIDRejected(t *testing.T) {
	src := `
version: "1"
package: gateway
policies:
  - name: payments
    rules:
      - id: dup
        condition: {provider: stripe}
        action: allow
      - id: dup
        condition: {provider: github}
        action: allow
`
	_, err := Compile([]byte(src))
	require.Error(t, err)
}

func TestCompile_DenyWithoutReasonRejected(t *testing.T) {
	src := `
version: "1"
package: gateway
policies:
  - name: payments
    rules:
      - id: r1
        condition: {provider: stripe}
        action: deny
`
	_, err := Compile([]byte(src))
	require.Error(t, err)
}

func TestCompile_InvalidDeclaredVersionRejected(t *testing.T) {
	src := `
version: "latest"
package: gateway
policies:
  - name: payments
    rules:
      - id: r1
        condition: {provider: stripe}
        action: allow
`
	_, err := Compile([]byte(src))
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Contains(t, verrs.Error(), "not valid semver")
}

func TestCompile_UnreferencedRuleRejected(t *testing.T) {
	src := `
version: "1"
package: gateway
policies:
  - name: payments
    rules:
      - id: r1
        condition:
          provider: stripe
          method: create_payment
        action: allow
      - id: r2
        condition:
          provider: stripe
          method: create_payment
        action: deny
        reason: "never reached"
`
	_, err := Compile([]byte(src))
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Contains(t, verrs.Error(), "unreferenced")
}

func TestCompile_DistinctConditionsAreNotUnreferenced(t *testing.T) {
	art, err := Compile([]byte(validSource))
	require.NoError(t, err)
	assert.Len(t, art.Bundle.Rules, 2)
}

func TestCompileWithObservability_MatchesCompile(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	art, err := CompileWithObservability(context.Background(), obs, []byte(validSource))
	require.NoError(t, err)
	assert.Equal(t, "gateway", art.Bundle.Package)
}

func TestCompileWithObservability_NilProviderFallsBackToCompile(t *testing.T) {
	art, err := CompileWithObservability(context.Background(), nil, []byte(validSource))
	require.NoError(t, err)
	assert.Equal(t, "gateway", art.Bundle.Package)
}

func TestCompile_ConflictingMinMaxRejected(t *testing.T) {
	src := `
version: "1"
package: gateway
policies:
  - name: payments
    rules:
      - id: r1
        condition:
          provider: stripe
          parameter_constraints:
            amount: {min: 100, max: 50}
        action: allow
`
	_, err := Compile([]byte(src))
	require.Error(t, err)
}
