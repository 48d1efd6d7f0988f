// Package wit provides a Wit.ai-backed recognition provider.
//
// The provider streams utterance audio to the Wit speech endpoint with a
// chunked request body, so Wit begins decoding while capture is still
// running. The response carries the recognized text plus a structured
// "outcome" (intent, entities, confidence) that is forwarded verbatim as the
// intent payload.
//
// Usage:
//
//	p, err := wit.New(token, wit.WithContentType("audio/mpeg3"))
//	result, err := p.Recognize(ctx, chunks, recognizer.Request{})
package wit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/auris-project/auris/pkg/recognizer"
)

const (
	defaultBaseURL     = "https://api.wit.ai"
	defaultAPIVersion  = "20141022"
	defaultContentType = "audio/mpeg3"
	defaultTimeout     = 30 * time.Second
)

// Compile-time check that *Provider satisfies [recognizer.Provider].
var _ recognizer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the Wit API endpoint. Useful for tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithContentType sets the MIME type announced for utterance audio when the
// request does not carry one. Defaults to "audio/mpeg3".
func WithContentType(ct string) Option {
	return func(p *Provider) { p.contentType = ct }
}

// WithHTTPClient replaces the HTTP client, including its timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements [recognizer.Provider] against the Wit.ai speech API.
type Provider struct {
	token       string
	baseURL     string
	contentType string
	httpClient  *http.Client
}

// New creates a Provider authenticated with the given access token.
func New(token string, opts ...Option) (*Provider, error) {
	if token == "" {
		return nil, errors.New("wit: access token must not be empty")
	}
	p := &Provider{
		token:       token,
		baseURL:     defaultBaseURL,
		contentType: defaultContentType,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speechResponse is the subset of the Wit speech response the client uses.
type speechResponse struct {
	MsgBody string          `json:"msg_body"`
	Text    string          `json:"_text"`
	Outcome json.RawMessage `json:"outcome"`
}

// outcomeConfidence is the confidence field nested in the outcome payload.
type outcomeConfidence struct {
	Confidence *float64 `json:"confidence"`
}

// Recognize streams chunks to the Wit speech endpoint. The request body is a
// pipe fed chunk by chunk, so transmission overlaps both capture and remote
// decoding. A dialog context, when present, is forwarded in the "context"
// query parameter.
func (p *Provider) Recognize(ctx context.Context, chunks recognizer.ChunkSource, req recognizer.Request) (recognizer.Result, error) {
	endpoint, err := p.speechURL(req.Context)
	if err != nil {
		return recognizer.Result{}, err
	}

	pr, pw := io.Pipe()
	go func() {
		for {
			chunk, ok := chunks.Next()
			if !ok {
				pw.Close()
				return
			}
			if _, err := pw.Write(chunk); err != nil {
				// Reader side failed; drain the source so the drain goroutine
				// is not left blocked on a consumer that is gone.
				for {
					if _, ok := chunks.Next(); !ok {
						return
					}
				}
			}
		}
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("wit: create request: %w", err)
	}
	ct := req.ContentType
	if ct == "" {
		ct = p.contentType
	}
	httpReq.Header.Set("Content-Type", ct)
	httpReq.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("wit: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return recognizer.Result{}, fmt.Errorf("wit: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("wit: read response body: %w", err)
	}

	var sr speechResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return recognizer.Result{}, fmt.Errorf("wit: parse response: %w", err)
	}

	result := recognizer.Result{
		Transcript: sr.MsgBody,
		Intent:     sr.Outcome,
	}
	if result.Transcript == "" {
		result.Transcript = sr.Text
	}
	if len(sr.Outcome) > 0 {
		var oc outcomeConfidence
		if err := json.Unmarshal(sr.Outcome, &oc); err == nil && oc.Confidence != nil {
			result.Confidence = *oc.Confidence
		}
	}
	return result, nil
}

// speechURL builds the speech endpoint URL with the API version and the
// optional serialized dialog context.
func (p *Provider) speechURL(dialogCtx json.RawMessage) (string, error) {
	u, err := url.Parse(p.baseURL + "/speech")
	if err != nil {
		return "", fmt.Errorf("wit: invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set("v", defaultAPIVersion)
	if len(dialogCtx) > 0 {
		q.Set("context", string(dialogCtx))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
