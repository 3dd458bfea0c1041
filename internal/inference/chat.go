package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/delta"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

// chatMessage is the OpenAI-compatible wire shape for one history entry.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequestBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatChoice struct {
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
	Message      *struct {
		Role             string `json:"role"`
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoning_content"`
		Refusal          string `json:"refusal"`
	} `json:"message,omitempty"`
	Delta *struct {
		Role             string `json:"role"`
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoning_content"`
		Refusal          string `json:"refusal"`
	} `json:"delta,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponseBody struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

func toChatMessages(history []delta.Delta) []chatMessage {
	out := make([]chatMessage, 0, len(history))
	for _, d := range history {
		role := string(d.Role)
		if role == string(delta.RoleAgent) {
			role = "assistant"
		}
		out = append(out, chatMessage{Role: role, Content: d.Content})
	}
	return out
}

func endReasonFromFinish(finish string) delta.EndReason {
	switch finish {
	case "":
		return delta.EndReasonUnset
	case "stop":
		return delta.EndReasonStop
	default:
		return delta.EndReasonOther
	}
}

// Infer performs one unary chat-completion call with rate-limit retry.
func (c *Client) Infer(ctx context.Context, history []delta.Delta, opts sequencer.ModelInference) (delta.Delta, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return delta.Delta{}, err
	}
	defer release()

	body := chatRequestBody{
		Model:     c.cfg.Model,
		Messages:  toChatMessages(history),
		Stream:    false,
		MaxTokens: opts.MaxTokens,
		Stop:      opts.StopTokens,
	}
	var result delta.Delta
	err = c.withRetry(ctx, opts, func(ctx context.Context) error {
		resp, rerr := c.unaryOnce(ctx, body)
		if rerr != nil {
			return rerr
		}
		result = resp
		return nil
	})
	return result, err
}

func (c *Client) unaryOnce(ctx context.Context, body chatRequestBody) (delta.Delta, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return delta.Delta{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return delta.Delta{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.do(req)
	if err != nil {
		return delta.Delta{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return delta.Delta{}, mapStatus(resp.StatusCode, respBody)
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return delta.Delta{}, fmt.Errorf("inference: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return delta.Delta{}, agenterrors.NewInternalServer(fmt.Errorf("inference: no choices in response"))
	}
	choice := parsed.Choices[0]
	d := delta.Delta{ID: parsed.ID, Role: delta.RoleAgent, EndReason: endReasonFromFinish(choice.FinishReason)}
	if choice.Message != nil {
		d.Content = choice.Message.Content
		d.ReasoningContent = choice.Message.ReasoningContent
		d.Refusal = choice.Message.Refusal
	}
	if parsed.Usage != nil {
		d.Usage = &delta.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return d, nil
}

// InferStreaming performs one streaming chat-completion call, forwarding
// each partial delta to onPartial in SSE arrival order and returning the
// fused logical delta (spec.md §4.4's streaming fusion rules).
func (c *Client) InferStreaming(ctx context.Context, history []delta.Delta, opts sequencer.ModelInference, onPartial func(delta.Delta)) (delta.Delta, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return delta.Delta{}, err
	}
	defer release()

	body := chatRequestBody{
		Model:     c.cfg.Model,
		Messages:  toChatMessages(history),
		Stream:    true,
		MaxTokens: opts.MaxTokens,
		Stop:      opts.StopTokens,
	}
	var fused delta.Delta
	err = c.withRetry(ctx, opts, func(ctx context.Context) error {
		var fuser delta.Fuser
		rerr := c.streamOnce(ctx, body, func(partial delta.Delta) {
			fuser.Add(partial)
			if onPartial != nil {
				onPartial(partial)
			}
		})
		if rerr != nil {
			return rerr
		}
		fused = fuser.Result()
		return nil
	})
	return fused, err
}

func (c *Client) streamOnce(ctx context.Context, body chatRequestBody, onPartial func(delta.Delta)) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return mapStatus(resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		if payload == "" {
			continue
		}
		var chunk chatResponseBody
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		d := delta.Delta{ID: chunk.ID, Role: delta.RoleAgent, EndReason: endReasonFromFinish(choice.FinishReason)}
		if choice.Delta != nil {
			d.Content = choice.Delta.Content
			d.ReasoningContent = choice.Delta.ReasoningContent
			d.Refusal = choice.Delta.Refusal
		}
		if chunk.Usage != nil {
			d.Usage = &delta.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		onPartial(d)
	}
	return scanner.Err()
}

// withRetry runs attempt once; on RateLimit it sleeps
// BaseBackoff * 2^n * (1 + jitter*rand()) and retries, up to MaxRetries
// (or opts.MaxRetries when set), per spec.md §4.6. All other errors are
// returned immediately without retry.
func (c *Client) withRetry(ctx context.Context, opts sequencer.ModelInference, attempt func(context.Context) error) error {
	maxRetries := c.cfg.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	var lastErr error
	for n := 0; n <= maxRetries; n++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRateLimit(err) || n == maxRetries {
			return err
		}
		delay := backoffDelay(c.cfg.BaseBackoff, n, c.cfg.JitterFraction)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func isRateLimit(err error) bool {
	named, ok := err.(agenterrors.Named)
	return ok && named.Name() == "RateLimit"
}

// backoffDelay computes base * 2^attempt * (1 + jitter*rand()).
func backoffDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	factor := 1 << uint(attempt)
	d := time.Duration(int64(base) * int64(factor))
	if jitter > 0 {
		d = time.Duration(float64(d) * (1 + jitter*rand.Float64()))
	}
	return d
}
