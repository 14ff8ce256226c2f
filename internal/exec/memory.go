package exec

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/autoloop/autoloop/internal/config"
)

// loadMemoryContext collects project memory files matching the configured
// glob patterns into a single prompt preamble. Unreadable files and bad
// patterns are skipped: memory is enrichment, never a prerequisite.
func loadMemoryContext(projectPath string, mem config.MemoryConfig, logger *slog.Logger) string {
	if !mem.AutoLoad || len(mem.Patterns) == 0 {
		return ""
	}

	fsys := os.DirFS(projectPath)
	var b strings.Builder

	for _, pattern := range mem.Patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			logger.Warn("bad memory glob pattern", "pattern", pattern, "error", err)
			continue
		}
		for _, m := range matches {
			data, err := fs.ReadFile(fsys, m)
			if err != nil {
				continue
			}
			b.WriteString(fmt.Sprintf("## Project Memory: %s\n\n", m))
			b.Write(data)
			b.WriteString("\n\n")
		}
	}

	if b.Len() == 0 {
		return ""
	}
	return "# Project Context\n\n" + b.String()
}
