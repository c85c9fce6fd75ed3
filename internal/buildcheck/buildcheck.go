// Package buildcheck verifies a generated project's build by running the
// configured build command and capturing its output as a diagnostic.
package buildcheck

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/forgeloop/forgeloop/internal/heal"
)

// maxDiagnosticBytes caps the diagnostic fed back into corrective
// generation. The tail is kept: build tools print the actionable errors last.
const maxDiagnosticBytes = 16384

// Checker runs one build verification per call. Attempts are issued
// strictly sequentially by the repair loop, never concurrently.
type Checker struct {
	// Command is the operator-configured build command, run via sh -c
	// (e.g. "npm run build").
	Command string
	// Dir is the generated project's working directory.
	Dir string
}

// Check runs the build command to completion or ctx expiry. A non-zero exit
// or timeout yields a failed result carrying the build output verbatim.
func (c *Checker) Check(ctx context.Context) heal.BuildResult {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command) //nolint:gosec // G204: build command is operator configuration
	cmd.Dir = c.Dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return heal.BuildResult{OK: true}
	}

	diagnostic := tail(out.Bytes(), maxDiagnosticBytes)
	if ctxErr := ctx.Err(); ctxErr != nil {
		diagnostic = fmt.Sprintf("build verification timed out: %v\n%s", ctxErr, diagnostic)
	} else if diagnostic == "" {
		diagnostic = err.Error()
	}
	return heal.BuildResult{Diagnostic: diagnostic}
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
