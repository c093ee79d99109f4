package httpapi

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"contact-center/internal/telephony"
	"contact-center/internal/webhook"
	"contact-center/pkg/logger"

	"github.com/gin-gonic/gin"
)

// maxBodyBytes caps webhook and flow bodies.
const maxBodyBytes = 1 << 20

// RegisterWebhooks mounts the public vendor callbacks. Signatures are checked
// here; nothing behind them runs for unverified requests.
func (h Handlers) RegisterWebhooks(r gin.IRoutes) {
	r.POST("/webhooks/twilio/:event", h.TwilioWebhook)
	r.POST("/webhooks/telnyx", h.TelnyxWebhook)
}

// TwilioWebhook handles form callbacks. The event name and query string
// (prompt seq, timeout flag) are passed to the adapter together.
func (h Handlers) TwilioWebhook(c *gin.Context) {
	a, ok := h.Dispatcher.Adapter(telephony.VendorTwilio)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "vendor not configured"})
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	params, err := url.ParseQuery(string(body))
	if err != nil {
		badRequest(c, "invalid form body")
		return
	}
	req := webhook.Request{URL: h.callbackURL(c), Params: params, Body: body}
	eventType := c.Param("event")
	if c.Request.URL.RawQuery != "" {
		eventType += "?" + c.Request.URL.RawQuery
	}
	h.webhook(c, a, req, eventType)
}

func (h Handlers) TelnyxWebhook(c *gin.Context) {
	a, ok := h.Dispatcher.Adapter(telephony.VendorTelnyx)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "vendor not configured"})
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	h.webhook(c, a, webhook.Request{URL: h.callbackURL(c), Body: body}, "")
}

func (h Handlers) webhook(c *gin.Context, a telephony.Adapter, req webhook.Request, eventType string) {
	vendor := a.Name()
	caps := a.Capabilities()
	if !a.ValidateWebhook(c.GetHeader(caps.SignatureHeader), req) {
		h.Metrics.Webhook(vendor, "rejected")
		logger.FromGin(c).Warn("webhook signature rejected", "vendor", vendor)
		writeError(c, webhook.ErrAuthentication)
		return
	}

	ev, err := a.HandleWebhook(eventType, req.Body)
	if err != nil {
		h.Metrics.Webhook(vendor, "invalid")
		logger.FromGin(c).Warn("webhook not understood", "vendor", vendor, "err", err)
		badRequest(c, "unrecognized callback")
		return
	}
	if ev == nil {
		h.Metrics.Webhook(vendor, "ignored")
		h.ack(c, a, nil)
		return
	}

	reply, err := h.Dispatcher.Handle(c.Request.Context(), *ev)
	if err != nil {
		h.Metrics.Webhook(vendor, "failed")
		logger.FromGin(c).Error("webhook handling failed", "vendor", vendor, "call_id", ev.CallID, "event", ev.Type, "err", err)
		if caps.SynchronousReplies {
			// A synchronous vendor needs a document; end the call cleanly.
			h.ack(c, a, []telephony.Action{{Type: telephony.ActionHangup, Reason: "error"}})
			return
		}
		var transport *telephony.TransportError
		if errors.As(err, &transport) {
			writeError(c, err)
			return
		}
		// Redelivery would not help; acknowledge so the vendor stops retrying.
		c.Status(http.StatusNoContent)
		return
	}
	h.Metrics.Webhook(vendor, "ok")
	if reply.Sync {
		h.ack(c, a, reply.Actions)
		return
	}
	c.Status(http.StatusNoContent)
}

// ack writes the synchronous reply document, or an empty acknowledgement for
// vendors that take actions through their API.
func (h Handlers) ack(c *gin.Context, a telephony.Adapter, actions []telephony.Action) {
	if !a.Capabilities().SynchronousReplies {
		c.Status(http.StatusNoContent)
		return
	}
	contentType, body, err := a.RenderReply(actions)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

// callbackURL rebuilds the public URL the vendor signed. Behind a proxy the
// request host is internal, so the configured origin wins.
func (h Handlers) callbackURL(c *gin.Context) string {
	base := strings.TrimRight(h.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + c.Request.URL.RequestURI()
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		badRequest(c, "unreadable body")
		return nil, false
	}
	if len(body) > maxBodyBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return nil, false
	}
	return body, true
}
