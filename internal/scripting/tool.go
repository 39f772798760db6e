package scripting

import (
	"context"
	"fmt"

	"merlin/internal/tools"
)

// Tool exposes the sandboxed interpreter as a tools.Tool, so the tool-call
// dispatcher can offer it to a model alongside the file and shell tools.
func Tool() *tools.Tool {
	interp := New()
	return &tools.Tool{
		Name:        "run_script",
		Description: "Run a Go snippet defining func RunTool(input string) (string, error) in a sandboxed interpreter with no filesystem, network, or process access",
		Category:    tools.CategoryCode,
		Priority:    40,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			code, _ := args["code"].(string)
			if code == "" {
				return "", fmt.Errorf("code is required")
			}
			input, _ := args["input"].(string)
			return interp.Run(ctx, code, input)
		},
		Schema: tools.ToolSchema{
			Required: []string{"code"},
			Properties: map[string]tools.Property{
				"code": {
					Type:        "string",
					Description: "Go source defining func RunTool(input string) (string, error)",
				},
				"input": {
					Type:        "string",
					Description: "the string passed to RunTool",
				},
			},
		},
	}
}
