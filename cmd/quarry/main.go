package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
)

const (
	serverName    = "quarry"
	serverVersion = "0.1.0"
)

// Exit codes: 0 clean, 1 configuration error, 2 fatal startup failure.
const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	subcmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "serve":
		cfg, err := loadConfig(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", serverName, err)
			return exitConfig
		}
		if err := cmdServe(cfg); err != nil {
			var cfgErr *configError
			if errors.As(err, &cfgErr) {
				fmt.Fprintf(os.Stderr, "%s: %v\n", serverName, err)
				return exitConfig
			}
			fmt.Fprintf(os.Stderr, "%s: %v\n", serverName, err)
			return exitFatal
		}
		return exitOK
	case "version":
		fmt.Printf("%s %s %s %s/%s\n", serverName, serverVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nUsage: %s [serve|version]\n", subcmd, serverName)
		return exitConfig
	}
}
