package payload

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Expand resolves the upload sources listed in patterns. Local paths may contain doublestar
// wildcards and are returned as absolute paths of existing files; URLs are returned unchanged.
// Patterns without a match are logged and skipped.
func (o *Opener) Expand(patterns []string) ([]string, error) {
	var expanded []string
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if isRemote(pattern) || !strings.ContainsAny(pattern, "*?[{") {
			expanded = append(expanded, pattern)
			continue
		}

		base, rest := doublestar.SplitPattern(pattern)
		absBase, err := o.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), rest)
		if err != nil {
			o.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		if len(matches) == 0 {
			o.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}

		for _, match := range matches {
			expanded = append(expanded, filepath.Join(absBase, match))
		}
	}

	var sources []string
	seen := map[string]bool{}
	for _, source := range expanded {
		if !isRemote(source) {
			absPath, err := o.pathModifier.AbsPath(source)
			if err != nil {
				o.logger.Warnf("Failed to parse path %s, error: %s", source, err)
				continue
			}

			exists, err := o.pathChecker.IsPathExists(absPath)
			if err != nil {
				o.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
			}
			if !exists {
				o.logger.Warnf("Upload source doesn't exist: %s", source)
				continue
			}
			if info, err := os.Stat(absPath); err == nil && info.IsDir() {
				o.logger.Debugf("Skipping directory %s", absPath)
				continue
			}
			source = absPath
		}

		if seen[source] {
			continue
		}
		seen[source] = true
		sources = append(sources, source)
	}

	return sources, nil
}

func isRemote(location string) bool {
	u, err := url.Parse(location)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}
