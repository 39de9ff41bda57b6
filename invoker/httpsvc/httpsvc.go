// Package httpsvc provides an invoker.Func that calls a plain REST
// endpoint — the common ServiceInvoker backend in this domain, where
// most bound operations are ordinary HTTP services rather than LLM
// calls. Adapted from the teacher's graph/tool/http.go HTTPTool.
package httpsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/auroraworks/servicethread/invoker"
)

// Config configures one bound operation's HTTP endpoint.
type Config struct {
	Method            string // defaults to POST
	URL               string
	Headers           map[string]string
	InvocationCeiling time.Duration
}

// Func returns an invoker.Func that POSTs (or GETs) the canonical-order
// args, joined by newline, as the request body, and returns the response
// body as the operation's return attribute value.
func Func(cfg Config) invoker.Func {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	ceiling := cfg.InvocationCeiling
	if ceiling == 0 {
		ceiling = 30 * time.Second
	}
	client := &http.Client{}

	return func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, ruleBaseVersion string) (invoker.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, ceiling)
		defer cancel()

		body := strings.NewReader(strings.Join(args, "\n"))
		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
		if err != nil {
			return invoker.Result{}, fmt.Errorf("httpsvc: token %s: %w", tokenIDStr, err)
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return invoker.Result{}, fmt.Errorf("httpsvc: token %s: %w", tokenIDStr, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return invoker.Result{}, fmt.Errorf("httpsvc: token %s: reading body: %w", tokenIDStr, err)
		}
		if resp.StatusCode >= 400 {
			return invoker.Result{}, fmt.Errorf("httpsvc: token %s: status %d: %s", tokenIDStr, resp.StatusCode, bytes.TrimSpace(data))
		}

		return invoker.Result{ReturnAttributeValue: string(data)}, nil
	}
}
