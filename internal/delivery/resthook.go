package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RestHookChannel POSTs the notification bundle to a subscription's
// channel.endpoint, HMAC-signing the body the way the teacher's
// webhook delivery signed outbound payloads before being generalized here.
type RestHookChannel struct {
	client *http.Client
	logger zerolog.Logger
}

func NewRestHookChannel(client *http.Client, logger zerolog.Logger) *RestHookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RestHookChannel{client: client, logger: logger.With().Str("channel", "rest-hook").Logger()}
}

func (c *RestHookChannel) Deliver(ctx context.Context, n Notification) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.ChannelEndpoint, bytes.NewReader(n.Bundle))
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	for _, h := range n.ChannelHeaders {
		if name, value, ok := splitHeader(h); ok {
			req.Header.Set(name, value)
		}
	}
	if n.Secret != "" {
		req.Header.Set("X-Subscription-Signature", "sha256="+signPayload(n.Bundle, n.Secret))
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Success: false, ResponseTime: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	res := Result{Success: success, HTTPStatus: resp.StatusCode, ResponseTime: elapsed}
	if !success {
		res.Error = http.StatusText(resp.StatusCode)
	}
	return res
}

// signPayload computes the HMAC-SHA256 hex digest of body keyed by secret.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func splitHeader(h string) (name, value string, ok bool) {
	for i := 0; i < len(h); i++ {
		if h[i] == ':' {
			name = h[:i]
			value = h[i+1:]
			for len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
			return name, value, true
		}
	}
	return "", "", false
}
