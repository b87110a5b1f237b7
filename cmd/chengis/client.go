package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
)

type masterClient struct {
	baseURL      string
	sharedSecret string
	http         *http.Client
}

func newMasterClient(flags *rootFlags) *masterClient {
	return &masterClient{baseURL: flags.masterURL, sharedSecret: flags.sharedSecret, http: &http.Client{Timeout: 30 * time.Second}}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// do issues method against path with body marshaled as JSON (nil for none)
// and decodes a successful response into out (nil to discard the body). A
// non-2xx response is translated into a *cherrors.Error carrying the
// master's own reported code, so exitCodeFor can still make the right call.
func (c *masterClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return cherrors.Wrap(cherrors.CodeInternal, "marshal request body", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.sharedSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeAgentUnavailable, "call master", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "read master response", err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		if jsonErr := json.Unmarshal(raw, &eb); jsonErr == nil && eb.Error != "" {
			return cherrors.New(cherrors.Code(firstNonEmpty(eb.Code, string(cherrors.CodeInternal))), eb.Error)
		}
		return cherrors.New(cherrors.CodeInternal, fmt.Sprintf("master returned %d: %s", resp.StatusCode, raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return cherrors.Wrap(cherrors.CodeInternal, "decode master response", err)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
