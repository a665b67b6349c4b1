package cli

import "context"

// Run is the command-line entrypoint used by main and black-box tests. args
// excludes argv[0].
func Run(ctx context.Context, args []string, opts Options) (CLIResult, error) {
	inv, err := ParseInvocation(args)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return Execute(ctx, inv, opts)
}
