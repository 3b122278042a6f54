package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/storymind-ai/storymind/core"
)

// ruleFile is the on-disk rule catalog shape.
type ruleFile struct {
	Rules []RuleSpec `json:"rules" yaml:"rules"`
}

// LoadRules reads a YAML or JSON rule catalog. Rule content ships as
// configuration so deployments can tune it without a rebuild; the compiled
// set still has to satisfy NewRuleSet's invariants.
func LoadRules(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}

	var file ruleFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		// yaml.v3 parses JSON as a YAML subset.
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse rule file %s: %w", path, core.ErrInvalidConfiguration)
		}
	default:
		return nil, fmt.Errorf("unsupported rule file extension %q: %w", ext, core.ErrInvalidConfiguration)
	}

	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rule file %s contains no rules: %w", path, core.ErrInvalidConfiguration)
	}
	return file.Rules, nil
}
