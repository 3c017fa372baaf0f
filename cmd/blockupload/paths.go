package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

type pathResolver struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

func newPathResolver(logger log.Logger) pathResolver {
	return pathResolver{
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		logger:       logger,
	}
}

// evaluatePaths expands glob patterns and returns the absolute paths of regular files, without duplicates.
func (r pathResolver) evaluatePaths(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := r.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
		if err != nil {
			r.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			r.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := r.pathModifier.AbsPath(path)
		if err != nil {
			r.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := r.pathChecker.IsPathExists(absPath)
		if err != nil {
			r.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
			continue
		}
		if !exists {
			r.logger.Warnf("Path %s does not exist", absPath)
			continue
		}

		info, err := os.Stat(absPath)
		if err != nil {
			r.logger.Warnf("Failed to stat %s, error: %s", absPath, err)
			continue
		}
		if info.IsDir() {
			r.logger.Warnf("Skipping directory %s", absPath)
			continue
		}

		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	if len(finalPaths) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}
	return finalPaths, nil
}
