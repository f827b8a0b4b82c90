// Package replicate runs music and video models through Replicate's
// predictions API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vnmchuo/genai-studio/config"
	"github.com/vnmchuo/genai-studio/internal/provider"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

type ReplicateProvider struct {
	apiToken     string
	baseURL      string
	audio        config.AudioSettings
	video        config.VideoSettings
	pollInterval time.Duration
	client       *http.Client
}

var (
	_ provider.AudioGenerator = (*ReplicateProvider)(nil)
	_ provider.VideoGenerator = (*ReplicateProvider)(nil)
)

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   predictionURLs  `json:"urls"`
}

type predictionURLs struct {
	Get    string `json:"get"`
	Cancel string `json:"cancel"`
}

func New(apiToken string, audio config.AudioSettings, video config.VideoSettings) *ReplicateProvider {
	return &ReplicateProvider{
		apiToken:     apiToken,
		baseURL:      "https://api.replicate.com/v1",
		audio:        audio,
		video:        video,
		pollInterval: time.Second,
		client:       http.DefaultClient,
	}
}

// GenerateAudio runs riffusion and returns output.audio.
func (p *ReplicateProvider) GenerateAudio(ctx context.Context, prompt string) (string, error) {
	output, err := p.run(ctx, p.audio.Version, map[string]any{
		"prompt_b": prompt,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(output, &out); err != nil {
		return "", fmt.Errorf("replicate audio: unexpected output %s: %w", string(output), err)
	}
	if out.Audio == "" {
		return "", fmt.Errorf("replicate audio: %w", provider.ErrEmptyResult)
	}
	return out.Audio, nil
}

// GenerateVideo runs zeroscope and returns the first output file.
func (p *ReplicateProvider) GenerateVideo(ctx context.Context, prompt string) (string, error) {
	output, err := p.run(ctx, p.video.Version, map[string]any{
		"prompt":          prompt,
		"fps":             p.video.FPS,
		"width":           p.video.Width,
		"height":          p.video.Height,
		"guidance_scale":  p.video.GuidanceScale,
		"negative_prompt": p.video.NegativePrompt,
	})
	if err != nil {
		return "", err
	}

	var urls []string
	if err := json.Unmarshal(output, &urls); err != nil {
		var single string
		if err2 := json.Unmarshal(output, &single); err2 != nil {
			return "", fmt.Errorf("replicate video: unexpected output %s: %w", string(output), err)
		}
		urls = []string{single}
	}
	if len(urls) == 0 || urls[0] == "" {
		return "", fmt.Errorf("replicate video: %w", provider.ErrEmptyResult)
	}
	return urls[0], nil
}

// run creates a prediction and blocks until it reaches a terminal status.
// If ctx ends first the prediction is cancelled upstream.
func (p *ReplicateProvider) run(ctx context.Context, version string, input map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(predictionRequest{Version: version, Input: input})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/predictions", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", "wait")

	pred, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		switch pred.Status {
		case statusSucceeded:
			if len(pred.Output) == 0 || string(pred.Output) == "null" {
				return nil, fmt.Errorf("replicate prediction %s: %w", pred.ID, provider.ErrEmptyResult)
			}
			return pred.Output, nil
		case statusFailed, statusCanceled:
			return nil, fmt.Errorf("replicate prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
		}

		if pred.URLs.Get == "" {
			return nil, fmt.Errorf("replicate prediction %s: missing poll url", pred.ID)
		}

		select {
		case <-ctx.Done():
			p.cancel(pred.URLs.Cancel)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		pollReq, err := http.NewRequestWithContext(ctx, "GET", pred.URLs.Get, nil)
		if err != nil {
			return nil, err
		}
		next, err := p.do(pollReq)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.cancel(pred.URLs.Cancel)
			}
			return nil, err
		}
		pred = next
	}
}

func (p *ReplicateProvider) do(req *http.Request) (*prediction, error) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiToken))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("replicate api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

func (p *ReplicateProvider) cancel(url string) {
	if url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return
	}
	if _, err := p.do(req); err != nil {
		return
	}
}

func (p *ReplicateProvider) Name() string {
	return "replicate"
}
