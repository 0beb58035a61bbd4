package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/prompt"
)

var (
	// ErrStreamTruncated means the body ended without a done event.
	ErrStreamTruncated = errors.New("stream ended before completion")
	// ErrRemote wraps error events sent inside a stream.
	ErrRemote = errors.New("remote error")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("completion endpoint returned %d", e.Code)
	}
	return fmt.Sprintf("completion endpoint returned %d: %s", e.Code, e.Message)
}

// Client talks to the completion endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// New returns a client for endpoint. A nil httpClient uses http.DefaultClient.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

func (c *Client) post(ctx context.Context, req *models.ChatRequest, accept string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var payload models.ErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Stream posts a chat or summary request and reports each text increment to onDelta.
// It returns the text received so far together with any error, so callers can
// keep partial output.
func (c *Client) Stream(ctx context.Context, req *models.ChatRequest, onDelta func(string)) (string, error) {
	resp, err := c.post(ctx, req, "text/event-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	err = readEvents(resp.Body, func(event, data string) (bool, error) {
		switch event {
		case models.EventStream, "":
			var chunk models.StreamPayload
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return true, fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Content == "" {
				return false, nil
			}
			full.WriteString(chunk.Content)
			if onDelta != nil {
				onDelta(chunk.Content)
			}
			return false, nil
		case models.EventError:
			var se models.StreamError
			if err := json.Unmarshal([]byte(data), &se); err != nil || se.Message == "" {
				se.Message = data
			}
			return true, fmt.Errorf("%w: %s", ErrRemote, se.Message)
		case models.EventDone:
			return true, nil
		default:
			logger.Debugf("ignoring stream event %q", event)
			return false, nil
		}
	})
	return full.String(), err
}

// Title requests a generated title. The result is cleaned; an empty title is an error.
func (c *Client) Title(ctx context.Context, req *models.ChatRequest) (string, error) {
	req.IsTitleRequest = true
	var payload models.TitleResponse
	if err := c.postJSON(ctx, req, &payload); err != nil {
		return "", err
	}
	title := prompt.CleanTitle(payload.Title)
	if title == "" {
		return "", errors.New("empty title")
	}
	return title, nil
}

// Suggestions requests follow-up questions. Any failure yields an empty list.
func (c *Client) Suggestions(ctx context.Context, req *models.ChatRequest) []string {
	req.IsSuggestionRequest = true
	var payload models.SuggestionsResponse
	if err := c.postJSON(ctx, req, &payload); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warnf("fetch suggestions: %v", err)
		}
		return []string{}
	}
	return prompt.CleanSuggestions(payload.Suggestions)
}

func (c *Client) postJSON(ctx context.Context, req *models.ChatRequest, out interface{}) error {
	resp, err := c.post(ctx, req, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readEvents parses a server-sent event stream and hands each event to fn
// until fn asks to stop. A body that ends first yields ErrStreamTruncated.
func readEvents(r io.Reader, fn func(event, data string) (bool, error)) error {
	br := bufio.NewReader(r)
	var (
		event string
		data  []string
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return ErrStreamTruncated
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				stop, ferr := fn(event, strings.Join(data, "\n"))
				if ferr != nil || stop {
					return ferr
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
