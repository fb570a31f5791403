package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra/doc"
)

// GenerateManPages writes one section 1 page per command into outDir. Pages
// are dated with the build time when it parses, so release builds produce
// identical output.
func GenerateManPages(outDir string, build BuildInfo) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create man output directory: %w", err)
	}

	header := &doc.GenManHeader{
		Title:   "CLASSROLL",
		Section: "1",
		Source:  "Classroll " + build.Version,
		Manual:  "Classroll Manual",
	}
	if built, err := time.Parse(time.RFC3339, build.BuildTime); err == nil {
		header.Date = &built
	}

	root := NewRootCommand(io.Discard, build)
	root.DisableAutoGenTag = true
	if err := doc.GenManTree(root, header, outDir); err != nil {
		return fmt.Errorf("generate man pages: %w", err)
	}
	return nil
}
