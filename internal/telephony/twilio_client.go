package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// twilioClient is a minimal form-encoded REST client for call control.
type twilioClient struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

func newTwilioClient(accountSID, authToken, baseURL string, hc *http.Client) *twilioClient {
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &twilioClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
	}
}

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type makeCallParams struct {
	To             string
	From           string
	URL            string
	StatusCallback string
	Timeout        int
}

func (c *twilioClient) makeCall(ctx context.Context, p makeCallParams) (twilioCall, error) {
	data := url.Values{}
	data.Set("To", p.To)
	data.Set("From", p.From)
	data.Set("Url", p.URL)
	if p.StatusCallback != "" {
		data.Set("StatusCallback", p.StatusCallback)
		for _, ev := range []string{"initiated", "answered", "completed"} {
			data.Add("StatusCallbackEvent", ev)
		}
	}
	if p.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(p.Timeout))
	}
	var call twilioCall
	err := c.post(ctx, "make_call", c.callsURL(""), data, &call)
	return call, err
}

// updateCall replaces the live call's instructions with inline TwiML.
func (c *twilioClient) updateCall(ctx context.Context, callSID, twiml string) error {
	data := url.Values{}
	data.Set("Twiml", twiml)
	return c.post(ctx, "update_call", c.callsURL(callSID), data, nil)
}

func (c *twilioClient) hangupCall(ctx context.Context, callSID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	return c.post(ctx, "hangup_call", c.callsURL(callSID), data, nil)
}

func (c *twilioClient) callsURL(callSID string) string {
	if callSID == "" {
		return fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	}
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))
}

func (c *twilioClient) post(ctx context.Context, op, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Vendor: VendorTwilio, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Vendor: VendorTwilio, Op: op, Err: err}
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		var apiErr twilioAPIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			msg = fmt.Sprintf("%d %s", apiErr.Code, apiErr.Message)
		}
		return &TransportError{Vendor: VendorTwilio, Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("telephony: twilio %s: decode response: %w", op, err)
		}
	}
	return nil
}
