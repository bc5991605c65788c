// Package prompt loads agent prompt templates by name and performs
// literal placeholder substitution. The loader holds no state beyond
// its root directory: every call re-reads from disk, so edited
// templates take effect on the next call without a restart.
package prompt

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
)

// Loader reads templates from a prompts directory.
type Loader struct {
	dir string
}

// NewLoader opens a Loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads the template named name (the file "<name>.md" under the
// loader's directory) and substitutes every "{KEY}" occurrence found
// in vars. Missing placeholders (keys referenced in the template but
// absent from vars) are left as literal text; extra keys in vars that
// the template never references are silently ignored.
func (l *Loader) Load(name string, vars map[string]string) (string, error) {
	path := filepath.Join(l.dir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", apperrors.FailedToWithDetails("load prompt template", "prompt", name, err)
	}
	return substitute(string(data), vars), nil
}

func substitute(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	replacements := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		replacements = append(replacements, "{"+k+"}", v)
	}
	return strings.NewReplacer(replacements...).Replace(template)
}
