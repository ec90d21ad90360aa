package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchemaSource mirrors the nested wire manifest contract.
// Unknown fields are rejected at every level so client/server drift fails
// loudly instead of silently dropping data the signature would otherwise
// cover.
const manifestSchemaSource = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["agent", "action", "justification", "environment"],
	"additionalProperties": false,
	"properties": {
		"agent": {
			"type": "object",
			"required": ["agent_id", "org_id"],
			"additionalProperties": false,
			"properties": {
				"agent_id": {"type": "string", "minLength": 1},
				"org_id": {"type": "string", "minLength": 1},
				"user_id": {"type": "string"}
			}
		},
		"action": {
			"type": "object",
			"required": ["provider", "method", "parameters"],
			"additionalProperties": false,
			"properties": {
				"provider": {"type": "string", "minLength": 1},
				"method": {"type": "string", "minLength": 1},
				"parameters": {"type": "object"}
			}
		},
		"justification": {
			"type": "object",
			"required": ["reasoning"],
			"additionalProperties": false,
			"properties": {
				"reasoning": {"type": "string"},
				"confidence_score": {"type": "number", "minimum": 0, "maximum": 1}
			}
		},
		"environment": {"type": "string", "minLength": 1},
		"dry_run": {"type": "boolean"}
	}
}`

func compileSchema(name, source string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(source)); err != nil {
		panic(fmt.Sprintf("httpapi: invalid embedded schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("httpapi: schema compile failed for %s: %v", name, err))
	}
	return schema
}

var manifestSchema = compileSchema("manifest.json", manifestSchemaSource)

// validateManifestSchema decodes raw JSON into a generic map (so unknown
// fields are visible to the schema validator) and checks it against
// manifestSchema.
func validateManifestSchema(raw []byte) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, err
	}
	m, _ := doc.(map[string]any)
	return m, nil
}

// wireManifest is the typed projection of the nested wire contract, used
// once schema validation has already confirmed shape.
type wireManifest struct {
	Agent struct {
		AgentID string `json:"agent_id"`
		OrgID   string `json:"org_id"`
		UserID  string `json:"user_id"`
	} `json:"agent"`
	Action struct {
		Provider   string         `json:"provider"`
		Method     string         `json:"method"`
		Parameters map[string]any `json:"parameters"`
	} `json:"action"`
	Justification struct {
		Reasoning       string   `json:"reasoning"`
		ConfidenceScore *float64 `json:"confidence_score"`
	} `json:"justification"`
	Environment string `json:"environment"`
	DryRun      bool   `json:"dry_run"`
}

// decodeWireManifest re-marshals the already-validated map back into a
// typed struct; validateManifestSchema guarantees the shape, so this
// cannot fail for a document that passed schema validation.
func decodeWireManifest(doc map[string]any) (*wireManifest, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var wm wireManifest
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, err
	}
	return &wm, nil
}
