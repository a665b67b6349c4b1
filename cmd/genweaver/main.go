package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"genweaver/internal/cli"
)

// main canonicalizes the command line before any pipeline logic runs. Without
// --workdir the process directory is used.
func main() {
	args := os.Args[1:]
	if !hasFlag(args, "workdir") {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(cli.ExitInternalError)
		}
		args = append([]string{"--workdir", wd}, args...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := cli.Run(ctx, args, cli.Options{})
	if err != nil {
		var invErr *cli.InvocationError
		if errors.As(err, &invErr) {
			fmt.Fprintln(os.Stderr, invErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	stop()
	os.Exit(result.ExitCode)
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		for _, prefix := range []string{"-" + name, "--" + name} {
			if a == prefix || len(a) > len(prefix) && a[:len(prefix)+1] == prefix+"=" {
				return true
			}
		}
	}
	return false
}
