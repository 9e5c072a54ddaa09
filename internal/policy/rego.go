package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// RegoStage is an optional external evaluation stage backed by an OPA/rego
// policy directory. It runs after the declarative rule set; a rego deny is a
// strict deny. The decision document is expected at data.loom.traverse.decision
// and may be a bare boolean or {"allow": bool, "reason": string}.
type RegoStage struct {
	path     string
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
}

// NewRegoStage compiles every .rego file under path. Returns an error when
// the directory exists but contains no compilable policies.
func NewRegoStage(path string, logger *zap.Logger) (*RegoStage, error) {
	s := &RegoStage{path: path, logger: logger}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RegoStage) compile() error {
	modules := make(map[string]string)
	err := filepath.Walk(s.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read policy file %s: %w", path, err)
			}
			rel, _ := filepath.Rel(s.path, path)
			modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk rego directory: %w", err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no .rego policies found in %s", s.path)
	}

	opts := []func(*rego.Rego){
		rego.Query("data.loom.traverse.decision"),
	}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile rego policies: %w", err)
	}
	s.compiled = &compiled

	s.logger.Info("Rego policy stage loaded",
		zap.String("path", s.path),
		zap.Int("modules", len(modules)),
	)
	return nil
}

// Evaluate implements ExternalStage.
func (s *RegoStage) Evaluate(ctx context.Context, doc map[string]interface{}) (bool, string, error) {
	results, err := s.compiled.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return false, "", fmt.Errorf("rego evaluation: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// No decision document: the stage abstains.
		return true, "", nil
	}

	value := results[0].Expressions[0].Value
	switch v := value.(type) {
	case bool:
		if v {
			return true, "", nil
		}
		return false, "denied by rego policy", nil
	case map[string]interface{}:
		allow, _ := v["allow"].(bool)
		reason, _ := v["reason"].(string)
		return allow, reason, nil
	}
	return true, "", nil
}
