// Package transcribe wires the pipeline's job kinds to the media
// engine. The engine itself (speech-to-text, diarization, LLM
// post-processing) is an external collaborator behind the Engine
// interface; bodies here handle payload decoding, validation, and
// progress plumbing.
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/jobs"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// Request is the payload for transcription-class jobs.
type Request struct {
	MediaURL string `json:"mediaUrl"`
	Language string `json:"language,omitempty"`
	// Diarize enables speaker separation on top of speech-to-text.
	Diarize bool `json:"diarize,omitempty"`
}

// Segment is one span of recognized speech.
type Segment struct {
	StartSec float64 `json:"startSec"`
	EndSec   float64 `json:"endSec"`
	Speaker  string  `json:"speaker,omitempty"`
	Text     string  `json:"text"`
}

// Result is the output payload written to the job record on
// completion.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// Engine is the opaque long-running operation. Implementations must
// be idempotent per media URL: at-least-once delivery may invoke them
// more than once for the same job.
type Engine interface {
	// Transcribe runs speech-to-text (and diarization when requested),
	// reporting progress through onProgress as 0–100 plus a stage label.
	Transcribe(ctx context.Context, req Request, onProgress func(percent int, stage string)) (*Result, error)
	// Enhance post-processes a transcript (punctuation, summary).
	Enhance(ctx context.Context, transcript string, onProgress func(percent int, stage string)) (string, error)
}

// supportedExtensions is the media container whitelist enforced by
// upload validation.
var supportedExtensions = map[string]bool{
	".mp4": true, ".mp3": true, ".wav": true,
	".m4a": true, ".mov": true, ".webm": true,
}

func decodeRequest(job store.Job) (Request, error) {
	var req Request
	if err := json.Unmarshal(job.Input, &req); err != nil {
		return Request{}, jobs.Permanent(fmt.Errorf("malformed payload: %w", err))
	}
	if req.MediaURL == "" {
		return Request{}, jobs.Permanent(fmt.Errorf("payload missing mediaUrl"))
	}
	return req, nil
}

// validateMedia rejects URLs the pipeline can never process. Failures
// here are permanent: retrying cannot fix a bad extension.
func validateMedia(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return jobs.Permanent(fmt.Errorf("invalid media url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "s3" && u.Scheme != "file" {
		return jobs.Permanent(fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext != "" && !supportedExtensions[ext] {
		return jobs.Permanent(fmt.Errorf("unsupported media format %q", ext))
	}
	return nil
}

// progressFunc adapts the engine's callback to the pipeline reporter.
func progressFunc(ctx context.Context, rep jobs.Reporter) func(percent int, stage string) {
	return func(percent int, stage string) {
		rep.Report(ctx, percent, stage)
	}
}

// CleanupFunc runs a batch housekeeping pass and reports how many
// records it removed.
type CleanupFunc func(ctx context.Context) (int64, error)

// Bodies returns the kind→body table the worker pools execute.
func Bodies(engine Engine, cleanup CleanupFunc) jobs.BodySet {
	return jobs.BodySet{
		"upload-validation": func(ctx context.Context, job store.Job, rep jobs.Reporter) (any, error) {
			req, err := decodeRequest(job)
			if err != nil {
				return nil, err
			}
			rep.Report(ctx, 10, "validating")
			if err := validateMedia(req.MediaURL); err != nil {
				return nil, err
			}
			rep.Report(ctx, 100, "validated")
			return map[string]any{"valid": true, "mediaUrl": req.MediaURL}, nil
		},

		"transcription": func(ctx context.Context, job store.Job, rep jobs.Reporter) (any, error) {
			req, err := decodeRequest(job)
			if err != nil {
				return nil, err
			}
			if err := validateMedia(req.MediaURL); err != nil {
				return nil, err
			}
			res, err := engine.Transcribe(ctx, req, progressFunc(ctx, rep))
			if err != nil {
				return nil, err
			}
			return res, nil
		},

		"ai-enhancement": func(ctx context.Context, job store.Job, rep jobs.Reporter) (any, error) {
			var payload struct {
				Transcript string `json:"transcript"`
			}
			if err := json.Unmarshal(job.Input, &payload); err != nil {
				return nil, jobs.Permanent(fmt.Errorf("malformed payload: %w", err))
			}
			if payload.Transcript == "" {
				return nil, jobs.Permanent(fmt.Errorf("payload missing transcript"))
			}
			enhanced, err := engine.Enhance(ctx, payload.Transcript, progressFunc(ctx, rep))
			if err != nil {
				return nil, err
			}
			return map[string]any{"transcript": enhanced}, nil
		},

		"cleanup": func(ctx context.Context, job store.Job, rep jobs.Reporter) (any, error) {
			rep.Report(ctx, 10, "sweeping")
			deleted, err := cleanup(ctx)
			if err != nil {
				return nil, err
			}
			rep.Report(ctx, 100, "done")
			return map[string]any{"deleted": deleted}, nil
		},
	}
}
