//go:build property
// +build property

package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sealgate/gateway/pkg/canonical"
)

// TestSerializeDeterminism verifies canonical.Serialize(obj) produces the
// same bytes every time for the same logical object, regardless of the
// order keys were inserted in.
func TestSerializeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical serialization is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := canonical.Serialize(obj)
			b2, err2 := canonical.Serialize(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestSerializeKeyOrderInvariance verifies two maps that differ only in
// insertion order canonicalize to identical bytes, the property the seal
// signature's reproducibility depends on.
func TestSerializeKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("key insertion order does not affect canonical bytes", prop.ForAll(
		func(keys []string, values []string) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			forward := make(map[string]any, n)
			reverse := make(map[string]any, n)
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				if keys[i] == "" {
					continue
				}
				// Walking backwards, the first value seen for a key is the
				// last one written in the forward pass; keep it.
				if _, seen := reverse[keys[i]]; seen {
					continue
				}
				reverse[keys[i]] = values[i]
			}

			b1, err1 := canonical.Serialize(forward)
			b2, err2 := canonical.Serialize(reverse)
			if err1 != nil || err2 != nil {
				return false
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashBytesInjective verifies distinct canonical byte strings almost
// never collide for small inputs exercised here, a sanity check on the
// SHA-256 digest used as policy_version and manifest content addressing.
func TestHashBytesInjective(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct inputs produce distinct hashes", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return canonical.HashBytes([]byte(a)) != canonical.HashBytes([]byte(b))
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
