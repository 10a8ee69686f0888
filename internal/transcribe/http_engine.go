package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/jobs"
)

// HTTPEngine talks to the external transcription engine service over
// its JSON API. Requests can run for minutes; the pipeline's lease
// heartbeat covers that, so the client timeout here is generous.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine builds an engine client. timeout <= 0 defaults to
// 30 minutes, sized for long media.
func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &HTTPEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("engine response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.Unmarshal(raw, out)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The engine rejected the media itself; retrying cannot help.
		return jobs.Permanent(fmt.Errorf("engine rejected input: %s", string(raw)))
	default:
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, string(raw))
	}
}

func (e *HTTPEngine) Transcribe(ctx context.Context, req Request, onProgress func(percent int, stage string)) (*Result, error) {
	onProgress(5, "submitting")

	var res Result
	if err := e.post(ctx, "/v1/transcribe", req, &res); err != nil {
		return nil, err
	}

	onProgress(95, "finalizing")
	return &res, nil
}

func (e *HTTPEngine) Enhance(ctx context.Context, transcript string, onProgress func(percent int, stage string)) (string, error) {
	onProgress(5, "submitting")

	var out struct {
		Transcript string `json:"transcript"`
	}
	body := map[string]string{"transcript": transcript}
	if err := e.post(ctx, "/v1/enhance", body, &out); err != nil {
		return "", err
	}

	onProgress(95, "finalizing")
	return out.Transcript, nil
}
