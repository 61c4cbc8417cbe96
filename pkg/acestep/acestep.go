package acestep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/igolaizola/songforge/pkg/music"
)

const (
	DefaultEndpoint   = "http://localhost:7865"
	defaultSampleRate = 48000
)

type Client struct {
	client   *http.Client
	endpoint string
	debug    bool
	backoff  []time.Duration
}

type Config struct {
	Endpoint string
	Debug    bool
	Client   *http.Client
	// Backoff between retries of temporary server errors
	Backoff []time.Duration
}

var defaultBackoff = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
}

func New(cfg *Config) *Client {
	client := cfg.Client
	if client == nil {
		// Generation of a full song can take several minutes
		client = &http.Client{
			Timeout: 20 * time.Minute,
		}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	return &Client{
		client:   client,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		debug:    cfg.Debug,
		backoff:  backoff,
	}
}

func (c *Client) log(format string, args ...interface{}) {
	if c.debug {
		format += "\n"
		log.Printf(format, args...)
	}
}

type generateRequest struct {
	Prompt      string  `json:"prompt"`
	Lyrics      string  `json:"lyrics"`
	Genre       string  `json:"genre"`
	Mood        string  `json:"mood,omitempty"`
	Description string  `json:"description,omitempty"`
	Duration    float64 `json:"duration"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	SampleRate int         `json:"sample_rate"`
	Audio      [][]float32 `json:"audio"`
	Path       string      `json:"path"`
	Duration   float64     `json:"duration"`
}

// Generate asks the inference server for a song.
func (c *Client) Generate(ctx context.Context, req *music.Request) (*music.Result, error) {
	in := &generateRequest{
		Prompt:      music.Prompt(req),
		Lyrics:      req.Lyrics,
		Genre:       req.Genre,
		Mood:        req.Mood,
		Description: req.Description,
		Duration:    req.Duration,
		Temperature: req.Temperature,
	}
	var out generateResponse
	if _, err := c.do(ctx, "POST", "generate", in, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", music.ErrGeneration, err)
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("%w: %s", music.ErrGeneration, msg)
	}
	if len(out.Audio) == 0 && out.Path == "" {
		return nil, fmt.Errorf("%w: empty response", music.ErrGeneration)
	}
	rate := out.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	return &music.Result{
		Samples:    out.Audio,
		SampleRate: rate,
		Path:       out.Path,
		Duration:   out.Duration,
		Message:    out.Message,
	}, nil
}

// Health checks that the inference server is up.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.doAttempt(ctx, "GET", "health", nil, nil); err != nil {
		return err
	}
	return nil
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return fmt.Sprintf("%d", e)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	maxAttempts := len(c.backoff) + 1
	attempts := 0
	var err error
	for {
		if err != nil {
			log.Println("acestep: retrying...", err)
		}
		var b []byte
		b, err = c.doAttempt(ctx, method, path, in, out)
		if err == nil {
			return b, nil
		}
		// Increase attempts and check if we should stop
		attempts++
		if attempts >= maxAttempts {
			return nil, err
		}
		// A timed out generation is not sent again, the server may still be
		// working on it
		var netErr net.Error
		var errStatus errStatusCode
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			if method != http.MethodGet {
				return nil, err
			}
		case errors.As(err, &errStatus):
			// Retry after waiting on temporary status codes
			switch int(errStatus) {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			default:
				return nil, err
			}
		default:
			return nil, err
		}

		waitTime := c.backoff[attempts-1]
		c.log("acestep: server seems to be down, waiting %s before retrying", waitTime)
		t := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) doAttempt(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	var body []byte
	var reqBody io.Reader
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("acestep: couldn't marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}
	logBody := string(body)
	if len(logBody) > 200 {
		logBody = logBody[:200] + "..."
	}
	c.log("acestep: do %s %s %s", method, path, logBody)

	u := fmt.Sprintf("%s/%s", c.endpoint, path)
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("acestep: couldn't create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acestep: couldn't %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("acestep: couldn't read response body: %w", err)
	}
	c.log("acestep: response %s %s %d (%d bytes)", method, path, resp.StatusCode, len(respBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errMessage := string(respBody)
		if len(errMessage) > 100 {
			errMessage = errMessage[:100] + "..."
		}
		return nil, fmt.Errorf("acestep: %s %s returned (%s): %w", method, u, errMessage, errStatusCode(resp.StatusCode))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("acestep: couldn't unmarshal response body (%T): %w", out, err)
		}
	}
	return respBody, nil
}
