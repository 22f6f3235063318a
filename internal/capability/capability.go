// Package capability holds thin clients for the collaborator microservices
// the core consumes as pure input/output capabilities: image OCR and
// speech-to-text. The core depends only on their contracts (media in,
// text out), never on their internals.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/orbitalops/dbagent/internal/config"
	"github.com/orbitalops/dbagent/internal/shared"
)

// TextExtractor turns a media payload into text.
type TextExtractor interface {
	Extract(ctx context.Context, filename string, payload io.Reader) (string, error)
}

type httpExtractor struct {
	endpoint string
	field    string
	client   *http.Client
}

// NewOCRClient returns the image text-extraction capability, or nil when the
// collaborator service is not configured.
func NewOCRClient(cfg config.CapabilityConfig) TextExtractor {
	if cfg.OCRBaseURL == "" {
		return nil
	}
	return &httpExtractor{
		endpoint: strings.TrimRight(cfg.OCRBaseURL, "/") + "/api/ocr/recognize",
		field:    "image",
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// NewSpeechClient returns the speech-to-text capability, or nil when the
// collaborator service is not configured.
func NewSpeechClient(cfg config.CapabilityConfig) TextExtractor {
	if cfg.SpeechBaseURL == "" {
		return nil
	}
	return &httpExtractor{
		endpoint: strings.TrimRight(cfg.SpeechBaseURL, "/") + "/api/speech/recognize",
		field:    "audio",
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type extractResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// Extract uploads the payload as multipart form data and returns the
// recognized text.
func (e *httpExtractor) Extract(ctx context.Context, filename string, payload io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(e.field, filename)
	if err != nil {
		return "", fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := io.Copy(part, payload); err != nil {
		return "", fmt.Errorf("copy payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", shared.NewError(shared.CodeTimeout, "capability call timed out")
		}
		return "", shared.WrapError(shared.CodeUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", shared.WrapError(shared.CodeUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", shared.NewError(shared.CodeUpstream, "capability returned HTTP %d", resp.StatusCode)
	}

	var parsed extractResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", shared.WrapError(shared.CodeUpstream, fmt.Errorf("parse capability response: %w", err))
	}
	if !parsed.Success {
		return "", shared.NewError(shared.CodeUpstream, "capability reported failure: %s", parsed.Message)
	}
	return parsed.Text, nil
}
