// Package schema provides JSON Schema generation for the configuration and
// policy files.
package schema

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/condition"
	"github.com/your-org/pbac-service/internal/service/store"
)

// SchemaType represents the type of schema to generate.
type SchemaType string

const (
	SchemaTypeConfig   SchemaType = "config"
	SchemaTypePolicies SchemaType = "policies"
)

const baseID = "https://github.com/your-org/pbac-service/schemas/"

// Generator generates JSON schemas for pbac-service files.
type Generator struct {
	// config keys come from mapstructure tags, policy files from json tags
	configReflector *jsonschema.Reflector
	policyReflector *jsonschema.Reflector
}

// NewGenerator creates a new schema generator.
func NewGenerator() *Generator {
	newReflector := func(fieldTag string) *jsonschema.Reflector {
		return &jsonschema.Reflector{
			// Only mark fields as required if they have explicit jsonschema:"required" tag
			// This makes all fields optional by default (they have defaults in setDefaults)
			RequiredFromJSONSchemaTags: true,
			FieldNameTag:               fieldTag,
			Mapper:                     mapType,
		}
	}
	return &Generator{
		configReflector: newReflector("mapstructure"),
		policyReflector: newReflector(""),
	}
}

// mapType overrides types whose wire form differs from their Go shape.
func mapType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(time.Duration(0)):
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
			Description: "Duration string (e.g., '30s', '5m', '1h')",
			Examples:    []any{"10s", "5m", "1h", "30s"},
		}
	case reflect.TypeOf(domain.Subject{}):
		return &jsonschema.Schema{
			Description: "Either the wildcard \"*\" or a map of required principal attributes. Attribute values may be \"*\".",
			OneOf: []*jsonschema.Schema{
				{Type: "string", Enum: []any{domain.Wildcard}},
				{Type: "object", AdditionalProperties: &jsonschema.Schema{Type: "string"}},
			},
		}
	case reflect.TypeOf(domain.Effect("")):
		return &jsonschema.Schema{
			Type:        "string",
			Description: "ALLOW or DENY, case-insensitive.",
			Pattern:     `^(?i)(allow|deny)$`,
		}
	}
	return nil
}

// Generate generates a JSON schema for the specified type. Unknown types
// produce the config schema.
func (g *Generator) Generate(schemaType SchemaType) ([]byte, error) {
	var schema *jsonschema.Schema

	switch schemaType {
	case SchemaTypePolicies:
		schema = g.generatePoliciesSchema()
	default:
		schema = g.generateConfigSchema()
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, err
	}

	return []byte(renameDefinitions(string(data), schema)), nil
}

// generateConfigSchema generates schema for config.yaml.
func (g *Generator) generateConfigSchema() *jsonschema.Schema {
	schema := g.configReflector.Reflect(&config.Config{})

	schema.Title = "PBAC Service Configuration"
	schema.Description = "Static configuration of the decision service.\n\n" +
		"Every key can be overridden by an environment variable: prefix " + config.EnvPrefix + "_, " +
		"upper case, dots replaced by underscores (e.g. " + config.EnvPrefix + "_STORE_TYPE)."
	schema.ID = baseID + "config.schema.json"

	return schema
}

// generatePoliciesSchema generates schema for the policy file.
func (g *Generator) generatePoliciesSchema() *jsonschema.Schema {
	schema := g.policyReflector.Reflect(&store.Document{})

	schema.Title = "PBAC Policies"
	schema.Description = "Policy file for the file store.\n\n" +
		"DENY policies are evaluated before ALLOW policies, each in descending priority.\n" +
		"The first matching DENY wins; otherwise the first matching ALLOW; otherwise access is denied.\n" +
		"Condition types: " + strings.Join(conditionTypes(), ", ") + "."
	schema.ID = baseID + "policies.schema.json"

	schema.Examples = []any{
		map[string]any{
			"version": "1",
			"policies": []any{
				map[string]any{
					"name":     "finance-read-reports",
					"effect":   "ALLOW",
					"priority": 10,
					"subject":  map[string]any{"department": "finance"},
					"resource": "reports",
					"action":   "read",
					"conditions": []any{
						map[string]any{"type": "time_range", "params": map[string]any{"start": "09:00", "end": "18:00"}},
					},
				},
				map[string]any{
					"name":     "block-outside-network",
					"effect":   "DENY",
					"priority": 100,
					"subject":  "*",
					"resource": "reports",
					"action":   "read",
					"conditions": []any{
						map[string]any{"type": "cel", "params": map[string]any{"expression": "!cidrMatch(ip, '10.0.0.0/8')"}},
					},
				},
			},
		},
	}

	return schema
}

func conditionTypes() []string {
	types := []string{
		condition.TypeIPRange,
		condition.TypeTimeRange,
		condition.TypeWeekday,
		condition.TypeAttribute,
		condition.TypeCEL,
		condition.TypeRego,
	}
	sort.Strings(types)
	return types
}

// renameDefinitions rewrites PascalCase or package-qualified definition
// names, and references to them, into snake_case.
func renameDefinitions(jsonStr string, schema *jsonschema.Schema) string {
	names := make([]string, 0, len(schema.Definitions))
	for name := range schema.Definitions {
		names = append(names, name)
	}
	// longest first so that a name never rewrites part of a longer one
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	result := jsonStr
	for _, name := range names {
		snake := definitionName(name)
		result = strings.ReplaceAll(result, `"#/$defs/`+name+`"`, `"#/$defs/`+snake+`"`)
		result = strings.ReplaceAll(result, `"`+name+`":`, `"`+snake+`":`)
	}
	return result
}

// definitionName turns "github.com/x/y/pkg/logger.Config" into
// "logger_config" and "HTTPServerConfig" into "http_server_config".
func definitionName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		pkg, typ, ok := strings.Cut(name[i+1:], ".")
		if ok {
			return pkg + "_" + toSnakeCase(typ)
		}
	}
	return toSnakeCase(name)
}

// toSnakeCase converts PascalCase/camelCase to snake_case.
// Handles special cases like IPs, IDs, URLs correctly.
func toSnakeCase(s string) string {
	special := map[string]string{
		"HTTPServerConfig": "http_server_config",
		"HTTPServer":       "http_server",
		"IDHeader":         "id_header",
		"DSN":              "dsn",
		"TTL":              "ttl",
		"CIDR":             "cidr",
		"CEL":              "cel",
		"ID":               "id",
	}

	if val, ok := special[s]; ok {
		return val
	}

	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(s[i-1])
			// Add underscore before uppercase if previous was lowercase
			// or if this starts a new word (uppercase followed by lowercase)
			if prev >= 'a' && prev <= 'z' {
				result.WriteByte('_')
			} else if i+1 < len(s) {
				next := rune(s[i+1])
				if next >= 'a' && next <= 'z' && prev >= 'A' && prev <= 'Z' {
					result.WriteByte('_')
				}
			}
		}
		if r >= 'A' && r <= 'Z' {
			result.WriteRune(r + 32)
		} else {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// GetAvailableSchemas returns list of available schema types.
func GetAvailableSchemas() []SchemaType {
	return []SchemaType{
		SchemaTypeConfig,
		SchemaTypePolicies,
	}
}

// ParseSchemaType parses a string to SchemaType.
func ParseSchemaType(s string) (SchemaType, bool) {
	switch strings.ToLower(s) {
	case "config":
		return SchemaTypeConfig, true
	case "policies", "rules":
		return SchemaTypePolicies, true
	default:
		return "", false
	}
}
