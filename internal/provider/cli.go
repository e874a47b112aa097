package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CLIProvider shells out to a local agent binary, passing the flattened
// transcript as the last argument.
type CLIProvider struct {
	binaryPath string
	args       []string
}

func NewCLIProvider(binaryPath string, args []string) (*CLIProvider, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("binary path is required for CLI provider")
	}
	return &CLIProvider{
		binaryPath: binaryPath,
		args:       args,
	}, nil
}

func (p *CLIProvider) Name() string {
	return "cli-" + p.binaryPath
}

func (p *CLIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := flattenPrompt(req)
	fullArgs := append(append([]string{}, p.args...), prompt)

	cmd := exec.CommandContext(ctx, p.binaryPath, fullArgs...)

	output, err := cmd.CombinedOutput()
	result := string(output)

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cli agent timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("cli agent failed: %w\nOutput: %s", err, result)
	}

	return &Response{
		Content: result,
		Usage: Usage{
			TotalTokens: len(strings.Fields(result)),
		},
	}, nil
}

func flattenPrompt(req Request) string {
	var sb strings.Builder
	if req.System != "" {
		sb.WriteString(req.System)
		sb.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	return strings.TrimSpace(sb.String())
}
