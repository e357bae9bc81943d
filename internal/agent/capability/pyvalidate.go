package capability

import (
	"context"
	"os"
)

// DefaultPythonSyntaxValidator shells out to py_compile, the same way
// the adaptive fallback's compile probe does in test.go, and returns
// the interpreter's error text (empty on success) for the
// Transformer's syntax-gate repair loop.
func DefaultPythonSyntaxValidator(repoRoot string) SyntaxValidator {
	return func(content string) string {
		tmp, err := os.CreateTemp("", "syntax-gate-*.py")
		if err != nil {
			return err.Error()
		}
		path := tmp.Name()
		defer os.Remove(path)

		if _, err := tmp.WriteString(content); err != nil {
			tmp.Close()
			return err.Error()
		}
		tmp.Close()

		ctx := context.Background()
		out, err := runCommand(ctx, repoRoot, "python3", "-m", "py_compile", path)
		if err != nil {
			if out == "" {
				return err.Error()
			}
			return out
		}
		return ""
	}
}
