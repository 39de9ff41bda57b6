// Package anthropicsvc provides an invoker.Func backed by Anthropic's
// Claude API, adapted from the teacher's graph/model/anthropic ChatModel
// adapter. Here the "business logic" a Place invokes is an LLM
// completion call — a common real-world ServiceInvoker backend, not a
// conversational turn.
package anthropicsvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/auroraworks/servicethread/invoker"
)

// Config configures one bound operation's prompt template and model.
type Config struct {
	APIKey       string
	Model        string
	SystemPrompt string
	// InvocationCeiling bounds the call per §8 property 5 (30000ms
	// default); grounded on graph.executeNodeWithTimeout's
	// per-operation timeout wrapping.
	InvocationCeiling time.Duration
}

// Func returns an invoker.Func that joins the canonical-order args into a
// single user message, sends it to Claude, and returns the model's text
// as the operation's return attribute value.
func Func(cfg Config) invoker.Func {
	ceiling := cfg.InvocationCeiling
	if ceiling == 0 {
		ceiling = 30 * time.Second
	}

	return func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, ruleBaseVersion string) (invoker.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, ceiling)
		defer cancel()

		client := anthropicsdk.NewClient(option.WithAPIKey(cfg.APIKey))

		params := anthropicsdk.MessageNewParams{
			Model: anthropicsdk.Model(cfg.Model),
			Messages: []anthropicsdk.MessageParam{
				anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(strings.Join(args, "\n"))),
			},
			MaxTokens: 4096,
		}
		if cfg.SystemPrompt != "" {
			params.System = []anthropicsdk.TextBlockParam{{Text: cfg.SystemPrompt}}
		}

		resp, err := client.Messages.New(ctx, params)
		if err != nil {
			return invoker.Result{}, fmt.Errorf("anthropicsvc: token %s: %w", tokenIDStr, err)
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
				text.WriteString(tb.Text)
			}
		}

		return invoker.Result{ReturnAttributeValue: text.String()}, nil
	}
}
