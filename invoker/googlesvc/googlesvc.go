// Package googlesvc provides an invoker.Func backed by Google's
// Generative AI API, adapted from the teacher's graph/model/google
// ChatModel adapter. google.golang.org/api supplies the transport
// option (option.WithAPIKey) the teacher also uses for this client.
package googlesvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/auroraworks/servicethread/invoker"
)

// Config configures one bound operation's model.
type Config struct {
	APIKey            string
	Model             string
	InvocationCeiling time.Duration
}

// Func returns an invoker.Func that sends the canonical-order args as a
// single text prompt and returns the model's text as the operation's
// return attribute value.
func Func(cfg Config) invoker.Func {
	ceiling := cfg.InvocationCeiling
	if ceiling == 0 {
		ceiling = 30 * time.Second
	}

	return func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, ruleBaseVersion string) (invoker.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, ceiling)
		defer cancel()

		client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
		if err != nil {
			return invoker.Result{}, fmt.Errorf("googlesvc: token %s: client: %w", tokenIDStr, err)
		}
		defer client.Close()

		genModel := client.GenerativeModel(cfg.Model)
		resp, err := genModel.GenerateContent(ctx, genai.Text(strings.Join(args, "\n")))
		if err != nil {
			return invoker.Result{}, fmt.Errorf("googlesvc: token %s: %w", tokenIDStr, err)
		}

		var text strings.Builder
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			for _, part := range resp.Candidates[0].Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}

		return invoker.Result{ReturnAttributeValue: text.String()}, nil
	}
}
