package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WithOnePassword adds an "op" function that reads secret references
// such as op://vault/item/field through the 1Password CLI.
func WithOnePassword() Option {
	return WithCommandProvider("op", "op", "read")
}

// WithCommandProvider adds a template function that runs bin with args
// followed by the reference and returns its trimmed stdout.
func WithCommandProvider(name, bin string, args ...string) Option {
	return WithProvider(name, func(ctx context.Context, ref string) (string, error) {
		cmd := exec.CommandContext(ctx, bin, append(append([]string{}, args...), ref)...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s: %s: %w", bin, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
