package main

import (
	"flag"
	"fmt"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

type cliFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	version    bool
}

func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("sauron", flag.ContinueOnError)

	var f cliFlags
	fs.StringVar(&f.configPath, "config", "", "path to JSON config file (optional)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: json or text (overrides config)")
	fs.BoolVar(&f.version, "version", false, "print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nChat message screening service.\n\nFlags:\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}
