package verify

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veritaslabs/keel/pkg/anchor"
)

// anchorSchema is the wire contract every persisted anchor must satisfy.
const anchorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "chain anchor",
  "type": "object",
  "required": [
    "schema_version",
    "index",
    "timestamp",
    "record_type",
    "payload_hash",
    "prev_chain_hash",
    "chain_hash"
  ],
  "properties": {
    "schema_version": {"type": "string"},
    "index": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string"},
    "record_type": {"type": "string", "minLength": 1},
    "payload_ref": {"type": "string"},
    "payload_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "prev_chain_hash": {"type": "string"},
    "chain_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

// supportedVersions gates the anchor formats this verifier understands.
var supportedVersions = semver.MustParse("1.0.0")

var compiledSchema = jsonschema.MustCompileString("anchor.schema.json", anchorSchema)

// validateSchema checks one anchor against the wire contract and its
// schema_version against the supported range.
func validateSchema(r anchor.Record) []string {
	var problems []string

	raw, err := json.Marshal(r)
	if err != nil {
		return []string{fmt.Sprintf("anchor cannot be encoded: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("anchor cannot be decoded: %v", err)}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		problems = append(problems, fmt.Sprintf("schema violation: %v", err))
	}

	v, err := semver.NewVersion(r.SchemaVersion)
	if err != nil {
		problems = append(problems, fmt.Sprintf("schema_version %q is not semver", r.SchemaVersion))
	} else if v.Major() != supportedVersions.Major() {
		problems = append(problems, fmt.Sprintf("schema_version %s is outside the supported major %d", r.SchemaVersion, supportedVersions.Major()))
	}

	return problems
}
