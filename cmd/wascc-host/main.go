package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runHostCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "run", "serve":
		return runHostCmd(args[2:], stdout, stderr)
	case "keys":
		return runKeysCmd(args[2:], stdout, stderr)
	case "claims":
		return runClaimsCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "wascc-host %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runHostCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "wascc-host %s\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  wascc-host <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "HOST")
	printCommand(w, "run", "Run the host and its control API (default)")
	printCommand(w, "health", "Check a running host (--addr)")

	printSection(w, "IDENTITY")
	printCommand(w, "keys", "Generate account, actor or server keys")
	printCommand(w, "claims", "Sign or inspect actor claims")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}

// newLogger builds the process logger. Levels follow slog names
// (DEBUG, INFO, WARN, ERROR); anything else means INFO.
func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "http://localhost:8089", "Control API address")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	base := *addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(base, "/") + "/healthz")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
