// internal/gitcmd/gitcmd.go
package gitcmd

import "context"

// Git is the command execution boundary consumed by the checkpoint store and
// the session manager. *Runner is the real implementation; tests substitute
// fakes.
type Git interface {
	Run(ctx context.Context, dir string, args ...string) Result
	Output(ctx context.Context, dir string, args ...string) (string, error)
	Available() bool
}

var _ Git = (*Runner)(nil)
