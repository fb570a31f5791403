// Command classroll-man renders the classroll man pages for packaging.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/classroll/classroll/internal/cli"
	"github.com/classroll/classroll/internal/version"
)

func main() {
	outDir := flag.String("out", "dist/man", "directory to write classroll.1 and the per-command pages to")
	flag.Parse()
	if flag.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: classroll-man [-out dir]")
		os.Exit(2)
	}

	build := cli.BuildInfo{Version: version.Version, Commit: version.Commit, BuildTime: version.BuildTime}
	if err := cli.GenerateManPages(*outDir, build); err != nil {
		fmt.Fprintf(os.Stderr, "classroll-man: %v\n", err)
		os.Exit(1)
	}
}
