// Command keel runs the policy and attestation core: a line-oriented server
// over stdin/stdout, plus offline tooling for verifying signed export pages
// and assembling evidence packs from the page archive.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand; exported for tests.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(args[1:], stdin, stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdin, stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export-pack":
		return runExportPack(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "keel: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: keel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the core over stdin/stdout (one JSON request per line)")
	fmt.Fprintln(w, "  verify       Verify a signed export page (--page, --seed)")
	fmt.Fprintln(w, "  export-pack  Assemble an evidence pack from the page archive (--archive, --tenant, --contract, --out)")
	fmt.Fprintln(w, "  help         Show this help")
}
