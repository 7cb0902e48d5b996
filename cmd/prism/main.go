// Prism is a reverse proxy for LLM providers: one Anthropic-style messages
// endpoint in front of routing, caching, key pooling, rate limiting, and
// circuit breaking.
package main

import (
	"flag"
	"fmt"
	"os"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath  = flag.String("config", "configs/prism.json", "path to config file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("prism", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "prism:", err)
		os.Exit(1)
	}
}
