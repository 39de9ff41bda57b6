// Package openaisvc provides an invoker.Func backed by the OpenAI chat
// completions API, adapted from the teacher's graph/model/openai
// ChatModel adapter.
package openaisvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/auroraworks/servicethread/invoker"
)

// Config configures one bound operation's model and system prompt.
type Config struct {
	APIKey            string
	Model             string
	SystemPrompt      string
	InvocationCeiling time.Duration
}

// Func returns an invoker.Func that sends the canonical-order args as a
// single user message and returns the completion text as the
// operation's return attribute value.
func Func(cfg Config) invoker.Func {
	ceiling := cfg.InvocationCeiling
	if ceiling == 0 {
		ceiling = 30 * time.Second
	}

	return func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, ruleBaseVersion string) (invoker.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, ceiling)
		defer cancel()

		client := openaisdk.NewClient(option.WithAPIKey(cfg.APIKey))

		messages := []openaisdk.ChatCompletionMessageParamUnion{}
		if cfg.SystemPrompt != "" {
			messages = append(messages, openaisdk.SystemMessage(cfg.SystemPrompt))
		}
		messages = append(messages, openaisdk.UserMessage(strings.Join(args, "\n")))

		params := openaisdk.ChatCompletionNewParams{
			Model:    openaisdk.ChatModel(cfg.Model),
			Messages: messages,
		}

		resp, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			return invoker.Result{}, fmt.Errorf("openaisvc: token %s: %w", tokenIDStr, err)
		}
		if len(resp.Choices) == 0 {
			return invoker.Result{}, fmt.Errorf("openaisvc: token %s: empty response", tokenIDStr)
		}

		return invoker.Result{ReturnAttributeValue: resp.Choices[0].Message.Content}, nil
	}
}
