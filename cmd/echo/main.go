// Echo agent runtime.
//
// Usage:
//
//	echo serve --config echo.yaml     # gRPC + websocket + metrics
//	echo chat --addr localhost:50051  # interactive chat against a server
//	echo post                         # generate one post and print its chunks
package main

import (
	"os"

	"github.com/AporiaLabs/echo/cmd/echo/commands"
)

// Set during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	// Errors are printed by the commands with color formatting.
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
