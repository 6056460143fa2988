package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("gyoshu %s\n", version)
		os.Exit(0)
	case "init":
		os.Exit(runInit(os.Args[2:], os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatus(os.Args[2:], os.Stdout, os.Stderr))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  gyoshu --version")
	fmt.Fprintln(os.Stderr, "  gyoshu init --durable-root <dir> --report-title <title> [--runtime-root <dir>]")
	fmt.Fprintln(os.Stderr, "  gyoshu status --durable-root <dir> --report-title <title> [--json]")
}
