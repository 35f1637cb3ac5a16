package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aristath/goalrunner/internal/worker"
)

const (
	readmeLimit  = 4000
	listingLimit = 200
)

var readmeNames = []string{"README.md", "README", "README.txt", "readme.md"}

// GatherRepoContext describes a repository for work-order objectives: its
// top-level listing and the head of its README. Fails if repoPath is not an
// existing directory.
func GatherRepoContext(repoPath string) (string, error) {
	info, err := os.Stat(repoPath)
	if err != nil {
		return "", fmt.Errorf("repository %s: %w", repoPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("repository %s is not a directory", repoPath)
	}

	entries, err := os.ReadDir(repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to list repository: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > listingLimit {
		names = append(names[:listingLimit], fmt.Sprintf("... (%d more)", len(names)-listingLimit))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Top-level entries:\n%s\n", strings.Join(names, "\n"))

	for _, candidate := range readmeNames {
		data, err := os.ReadFile(filepath.Join(repoPath, candidate))
		if err != nil {
			continue
		}
		readme := worker.TruncateContext(strings.TrimSpace(string(data)), readmeLimit)
		fmt.Fprintf(&b, "\n%s:\n%s\n", candidate, readme)
		break
	}
	return b.String(), nil
}
