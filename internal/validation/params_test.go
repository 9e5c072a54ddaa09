package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/models"
)

func newValidator(t *testing.T) *ParamValidator {
	t.Helper()
	v, err := NewParamValidator()
	require.NoError(t, err)
	return v
}

func TestValidateActParams(t *testing.T) {
	v := newValidator(t)
	aff := &models.Affordance{ID: "act-1", ActionType: models.ActionAct}

	err := v.Validate(aff, map[string]interface{}{"actionRef": "approve-1", "target": "deploy staging"})
	assert.NoError(t, err)

	err = v.Validate(aff, map[string]interface{}{"actionRef": "approve-1"})
	assert.ErrorContains(t, err, "do not match schema")
}

func TestValidateStoreRequiresContent(t *testing.T) {
	v := newValidator(t)
	aff := &models.Affordance{ID: "store-1", ActionType: models.ActionStore}

	assert.NoError(t, v.Validate(aff, map[string]interface{}{"content": "{}", "contentType": "trace"}))
	assert.Error(t, v.Validate(aff, map[string]interface{}{"contentType": "trace"}))
	assert.Error(t, v.Validate(aff, map[string]interface{}{"content": ""}))
}

func TestValidateQueryDataRequiresQuery(t *testing.T) {
	v := newValidator(t)
	aff := &models.Affordance{ID: "q-1", ActionType: models.ActionQueryData}

	assert.NoError(t, v.Validate(aff, map[string]interface{}{"query": "SELECT ?s WHERE { ?s a :Anomaly }", "queryLanguage": "sparql"}))
	assert.Error(t, v.Validate(aff, map[string]interface{}{"queryLanguage": "sparql"}))
}

func TestValidateUnknownActionAcceptsAnything(t *testing.T) {
	v := newValidator(t)
	aff := &models.Affordance{ID: "obs-1", ActionType: models.ActionObserve}

	assert.NoError(t, v.Validate(aff, map[string]interface{}{"whatever": 42}))
	assert.NoError(t, v.Validate(aff, nil))
}

func TestValidateCustomSchemaRef(t *testing.T) {
	v := newValidator(t)
	ref := "loom://schemas/custom-deploy"
	require.NoError(t, v.Register(ref, []byte(`{
		"type": "object",
		"properties": {"env": {"type": "string", "enum": ["staging", "prod"]}},
		"required": ["env"]
	}`)))

	aff := &models.Affordance{ID: "deploy-1", ActionType: models.ActionAct}
	aff.Params.SchemaRef = ref

	assert.NoError(t, v.Validate(aff, map[string]interface{}{"env": "staging"}))
	assert.Error(t, v.Validate(aff, map[string]interface{}{"env": "dev"}))
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	v := newValidator(t)
	assert.Error(t, v.Register("loom://schemas/bad", []byte(`{"type": 12`)))
}
