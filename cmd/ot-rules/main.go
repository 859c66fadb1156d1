// Package main provides a CLI tool for validating ot-sentinel rule files.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ot-sentinel/internal/rules"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("ot-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: ot-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate JSON or YAML rule files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List rules found in files or directories\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed rule information")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: ot-rules validate [--verbose] [--strict] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(os.Stdout, paths, *verbose, *strict))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"rules"}
	}

	os.Exit(runList(os.Stdout, paths))
}

func runValidate(out io.Writer, paths []string, verbose, strict bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		files, err := collectRuleFiles(path)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(out, f, verbose, strict) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(out io.Writer, path string, verbose, strict bool) bool {
	set, err := rules.FileSource{Path: path}.Load(context.Background())
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %v\n", err)
		return false
	}

	var warnings []string
	for _, r := range set {
		warnings = append(warnings, r.Warnings()...)
	}
	if strict && len(warnings) > 0 {
		fmt.Fprintf(out, "  FAIL  %s (%d warning(s))\n", path, len(warnings))
	} else {
		fmt.Fprintf(out, "  OK    %s (%d rule(s))\n", path, len(set))
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "        warning: %s\n", w)
	}

	if verbose {
		for _, r := range set {
			fmt.Fprintf(out, "        - %s (vector=%s, min severity=%s)\n",
				r.Name, orAny(r.If.Vector), orAny(string(r.If.Severity)))
			if r.Severity != "" {
				fmt.Fprintf(out, "          severity override: %s\n", r.Severity)
			}
			if len(r.Actions) > 0 {
				fmt.Fprintf(out, "          actions: %s\n", strings.Join(r.Actions, ", "))
			}
		}
	}

	return !(strict && len(warnings) > 0)
}

func runList(out io.Writer, paths []string) int {
	for _, path := range paths {
		files, err := collectRuleFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			set, err := rules.FileSource{Path: f}.Load(context.Background())
			if err != nil {
				continue
			}
			for _, r := range set {
				fmt.Fprintf(out, "%-32s  %-24s  %-9s  %s\n",
					r.Name, orAny(r.If.Vector), orAny(string(r.If.Severity)), strings.Join(r.Actions, ","))
			}
		}
	}
	return 0
}

// collectRuleFiles returns path itself when it is a file, or the rule files
// below it when it is a directory.
func collectRuleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".json", ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
