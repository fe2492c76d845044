package agents

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/sharpyfox/rtbkit/errortypes"
)

// configSchema rejects structurally broken configs before decoding. Semantic
// checks that need parsed values (partition ranges vs modulus, bid control
// consistency) live in AgentConfig.compile.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-04/schema#",
	"type": "object",
	"required": ["account", "creatives"],
	"properties": {
		"account": {"type": "string", "minLength": 1},
		"externalId": {"type": "integer", "minimum": 0},
		"external": {"type": "boolean"},
		"test": {"type": "boolean"},
		"bidProbability": {"type": "number", "minimum": 0, "maximum": 1},
		"minTimeAvailableMs": {"type": "number", "minimum": 0},
		"maxInFlight": {"type": "integer", "minimum": 1},
		"requiredIds": {"type": "array", "items": {"type": "string"}},
		"hourOfWeek": {"type": "string", "pattern": "^[01]{168}$"},
		"userPartition": {
			"type": "object",
			"properties": {
				"hashOn": {"type": "string"},
				"modulus": {"type": "integer", "minimum": 1},
				"includeRanges": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["first", "last"],
						"properties": {
							"first": {"type": "integer", "minimum": 0},
							"last": {"type": "integer", "minimum": 0}
						}
					}
				}
			}
		},
		"creatives": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["format"],
				"properties": {
					"id": {"type": "integer"},
					"format": {
						"type": "object",
						"required": ["width", "height"],
						"properties": {
							"width": {"type": "integer", "minimum": 1},
							"height": {"type": "integer", "minimum": 1}
						}
					}
				}
			}
		},
		"blacklist": {
			"type": "object",
			"properties": {
				"type": {"enum": ["off", "user", "userSite"]},
				"scope": {"enum": ["agent", "account"]},
				"timeSeconds": {"type": "integer", "minimum": 0}
			}
		},
		"bidControl": {
			"type": "object",
			"properties": {
				"type": {"enum": ["relay", "relayFixed", "fixed"]},
				"fixedBidCpmInMicros": {"type": "integer", "minimum": 0}
			}
		},
		"winFormat": {"enum": ["full", "lightweight", "none"]},
		"lossFormat": {"enum": ["full", "lightweight", "none"]},
		"errorFormat": {"enum": ["full", "lightweight", "none"]}
	}
}`

var compiledConfigSchema = gojsonschema.NewStringLoader(configSchema)

// ValidateSchema checks raw agent config JSON against the schema.
func ValidateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(compiledConfigSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &errortypes.InvalidConfig{Message: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	message := "agent config failed schema validation:"
	for _, desc := range result.Errors() {
		message += " " + desc.String() + ";"
	}
	return &errortypes.InvalidConfig{Message: message}
}
