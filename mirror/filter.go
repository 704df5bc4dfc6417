package mirror

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events using glob patterns on entity and change type
type GlobFilter struct {
	entityGlobs []glob.Glob
	changeGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty pattern lists match everything.
func NewGlobFilter(entityPatterns, changeTypePatterns []string) (*GlobFilter, error) {
	entities, err := compileAll(entityPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid entity pattern: %w", err)
	}
	changes, err := compileAll(changeTypePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid change type pattern: %w", err)
	}
	return &GlobFilter{entityGlobs: entities, changeGlobs: changes}, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if entity and changeType both match
func (f *GlobFilter) Match(entity, changeType string) bool {
	return matchAny(f.entityGlobs, entity) && matchAny(f.changeGlobs, changeType)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
