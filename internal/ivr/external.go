package ivr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCaller runs external_call nodes by POSTing the session to the node URL.
// The response is either JSON {"result": "..."} or the result as plain text.
type HTTPCaller struct {
	Client *http.Client
}

func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPCaller{Client: &http.Client{Timeout: timeout}}
}

type externalRequest struct {
	CallID      string            `json:"call_id"`
	FlowID      string            `json:"flow_id"`
	FlowVersion int               `json:"flow_version"`
	NodeID      string            `json:"node_id"`
	CallerPhone string            `json:"caller_phone,omitempty"`
	Language    string            `json:"language,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
}

type externalResponse struct {
	Result string `json:"result"`
}

func (h *HTTPCaller) Call(ctx context.Context, url string, s Session) (string, error) {
	body, err := json.Marshal(externalRequest{
		CallID:      s.CallID,
		FlowID:      s.FlowID,
		FlowVersion: s.FlowVersion,
		NodeID:      s.CurrentNode,
		CallerPhone: s.CallerPhone,
		Language:    s.Language,
		Vars:        s.Vars,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ivr: external call: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("ivr: external call: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ivr: external call: status %d", resp.StatusCode)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var out externalResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("ivr: external call: decode: %w", err)
		}
		return out.Result, nil
	}
	return strings.TrimSpace(string(raw)), nil
}
