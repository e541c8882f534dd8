package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/council/internal/llm"
)

// dryRunBackend answers every call locally so the pipeline can be exercised
// without provider keys.
func dryRunBackend() *llm.ScriptedBackend {
	return llm.NewScriptedBackend("dry-run", func(ctx context.Context, req llm.Request) (string, error) {
		if req.Schema != nil {
			return `{"substance":8,"completeness":8,"depth":7,"accuracy":8,"missing_content":""}`, nil
		}
		system, _ := llm.SplitSystem(req.Messages)
		task := []rune(llm.LastUserMessage(req))
		if len(task) > 80 {
			task = append(task[:80], []rune("...")...)
		}
		if strings.Contains(strings.ToLower(system), "stance") {
			return "STANCE: agree\nThe draft covers the request.", nil
		}
		return fmt.Sprintf("[dry-run] %s", strings.ReplaceAll(string(task), "\n", " ")), nil
	})
}
