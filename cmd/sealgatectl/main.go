package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sealgate/gateway/pkg/policycompiler"
	"github.com/sealgate/gateway/pkg/policyengine"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "compile":
		return runCompileCmd(args[2:], stdout, stderr)
	case "upload":
		return runUploadCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "sealgatectl: compile and publish declarative policy sources")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  sealgatectl compile --source <path> [--json]")
	fmt.Fprintln(w, "  sealgatectl upload --source <path> --engine-url <url>")
}

// runCompileCmd validates and compiles a policy source, printing the
// resulting bundle and its content-derived version.
//
// Exit codes:
//
//	0 = compiled successfully
//	1 = validation failed
//	2 = runtime error (bad flags, unreadable file)
func runCompileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compile", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var sourcePath string
	var jsonOutput bool
	cmd.StringVar(&sourcePath, "source", "", "Path to the policy source file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the compiled bundle as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sourcePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --source is required")
		return 2
	}

	source, err := os.ReadFile(sourcePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reading source: %v\n", err)
		return 2
	}

	artifact, err := policycompiler.Compile(source)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: compilation failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(artifact.Bundle); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: encoding output: %v\n", err)
			return 2
		}
		return 0
	}

	fmt.Fprintf(stdout, "compiled policy %s (package %s): %d rules\n",
		artifact.Bundle.Version, artifact.Bundle.Package, len(artifact.Bundle.Rules))
	return 0
}

// runUploadCmd compiles a source and pushes it to a running policy engine.
//
// Exit codes:
//
//	0 = uploaded successfully
//	1 = compilation or upload failed
//	2 = runtime error
func runUploadCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("upload", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var sourcePath, engineURL string
	cmd.StringVar(&sourcePath, "source", "", "Path to the policy source file (REQUIRED)")
	cmd.StringVar(&engineURL, "engine-url", "", "Base URL of the policy engine (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sourcePath == "" || engineURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --source and --engine-url are required")
		return 2
	}

	source, err := os.ReadFile(sourcePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reading source: %v\n", err)
		return 2
	}

	artifact, err := policycompiler.Compile(source)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: compilation failed: %v\n", err)
		return 1
	}

	adapter := policyengine.New(policyengine.Config{BaseURL: engineURL, HTTPClient: http.DefaultClient})
	if err := adapter.Upload(context.Background(), artifact.Bytes, artifact.Bundle.Version); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: upload failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "uploaded policy %s to %s\n", artifact.Bundle.Version, engineURL)
	return 0
}
