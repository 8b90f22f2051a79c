package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "validate":
		err = runValidate(args)
	case "diagram":
		err = runDiagram(context.Background(), args)
	case "install":
		err = runInstall(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: orchestra <command> [flags]

commands:
  serve      run the engine and the MCP server (default)
  validate   check a plan document
  diagram    render a plan document as ascii, mermaid, png or svg
  install    write ~/.orchestra/settings.json
  version    print the build version
`)
}
