package lyrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// chat is a provider backed by an openai compatible chat completions api.
type chat struct {
	client *openai.Client
	kind   string
	model  string
	// lock serializes requests when the backend can't run them in parallel
	lock  *sync.Mutex
	debug func(string, ...any)
}

func newChat(kind, key, baseURL, model string, client *http.Client, debug func(string, ...any)) *chat {
	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	httpClient := *client
	httpClient.Transport = &htmlGuard{next: client.Transport}
	cfg.HTTPClient = &httpClient
	return &chat{
		client: openai.NewClientWithConfig(cfg),
		kind:   kind,
		model:  model,
		debug:  debug,
	}
}

func (c *chat) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Result, error) {
	maxTokens, err := validate(maxTokens, temperature)
	if err != nil {
		return nil, err
	}
	if c.lock != nil {
		c.lock.Lock()
		defer c.lock.Unlock()
	}
	c.debug("lyrics: %s generating with %s (max tokens %d, temperature %.2f)", c.kind, c.model, maxTokens, temperature)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: float32(temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("lyrics: %s couldn't create chat completion: %w", c.kind, err)
	}
	if len(resp.Choices) == 0 {
		return &Result{}, nil
	}
	content := resp.Choices[0].Message.Content
	c.debug("lyrics: %s generated %d chars", c.kind, len(content))
	return parse(content, c.debug)
}

// htmlGuard rejects html bodies so error pages served with a success status
// never reach the json decoder.
type htmlGuard struct {
	next http.RoundTripper
}

// Only the beginning of the body is needed to detect html
const sniffLen = 512

func (g *htmlGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	next := g.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("lyrics: couldn't read response body: %w", err)
	}
	head = head[:n]
	if isHTML(string(head)) {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w (status %d)", ErrResponseInvalid, resp.StatusCode)
	}
	resp.Body = &readCloser{
		Reader: io.MultiReader(bytes.NewReader(head), resp.Body),
		Closer: resp.Body,
	}
	return resp, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
