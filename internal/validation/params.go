package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/internal/models"
)

// ParamValidator checks traversal parameters against registered JSON Schemas.
// Schemas are keyed by reference; an affordance names its schema through
// Params.SchemaRef and falls back to the default schema for its action type.
type ParamValidator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewParamValidator returns a validator preloaded with the default schemas
// for the built-in action types.
func NewParamValidator() (*ParamValidator, error) {
	v := &ParamValidator{compiled: make(map[string]*jsonschema.Schema)}
	for ref, raw := range defaultSchemas {
		if err := v.Register(ref, raw); err != nil {
			return nil, fmt.Errorf("default schema %s: %w", ref, err)
		}
	}
	return v, nil
}

// Register compiles and stores a schema under ref, replacing any previous
// schema with the same ref.
func (v *ParamValidator) Register(ref string, rawSchema []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytesReader(rawSchema))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(ref)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[ref] = schema
	v.mu.Unlock()
	return nil
}

// Validate checks params against the schema the affordance declares. An
// affordance with no schema and no default for its action type accepts any
// parameters.
func (v *ParamValidator) Validate(aff *models.Affordance, params map[string]interface{}) error {
	ref := aff.Params.SchemaRef
	if ref == "" {
		ref = defaultRef(aff.ActionType)
	}

	v.mu.RLock()
	schema, ok := v.compiled[ref]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	// Round-trip so typed values (json.Number vs float64, structs in tests)
	// normalize to what the compiler expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	payload, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}

	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("parameters do not match schema %s: %w", ref, err)
	}
	return nil
}

func defaultRef(actionType string) string {
	return "loom://schemas/" + actionType
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// defaultSchemas cover the parameter shapes the built-in effect handlers
// consume. Actions absent here take free-form parameters.
var defaultSchemas = map[string][]byte{
	defaultRef(models.ActionAct): []byte(`{
		"type": "object",
		"properties": {
			"actionRef": {"type": "string"},
			"target":    {"type": "string", "minLength": 1},
			"step":      {},
			"confirmed": {"type": "boolean"}
		},
		"required": ["target"]
	}`),
	defaultRef(models.ActionStore): []byte(`{
		"type": "object",
		"properties": {
			"content":     {"type": "string", "minLength": 1},
			"contentType": {"type": "string", "enum": ["trace", "knowledge", "artifact", "index"]}
		},
		"required": ["content"]
	}`),
	defaultRef(models.ActionQueryData): []byte(`{
		"type": "object",
		"properties": {
			"query":            {"type": "string", "minLength": 1},
			"queryLanguage":    {"type": "string"},
			"semanticLayerRef": {"type": "string"},
			"sourceRef":        {"type": "string"}
		},
		"required": ["query"]
	}`),
	defaultRef(models.ActionDelete): []byte(`{
		"type": "object",
		"properties": {
			"path":      {"type": "string", "minLength": 1},
			"confirmed": {"type": "boolean"}
		},
		"required": ["path"]
	}`),
	defaultRef(models.ActionWriteExternal): []byte(`{
		"type": "object",
		"properties": {
			"target":  {"type": "string", "minLength": 1},
			"payload": {}
		},
		"required": ["target"]
	}`),
}
