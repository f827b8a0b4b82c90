package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/genai-studio/internal/provider"
)

type OpenAIProvider struct {
	apiKey    string
	baseURL   string
	model     string
	imageSize string
	client    *http.Client
}

var (
	_ provider.ChatStreamer   = (*OpenAIProvider)(nil)
	_ provider.ImageGenerator = (*OpenAIProvider)(nil)
)

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Delta openAIDelta `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []imageData `json:"data"`
}

type imageData struct {
	URL string `json:"url"`
}

func New(apiKey, model, imageSize string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:    apiKey,
		baseURL:   "https://api.openai.com/v1",
		model:     model,
		imageSize: imageSize,
		client:    http.DefaultClient,
	}
}

func (p *OpenAIProvider) newRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s", p.baseURL, path)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	httpReq, err := p.newRequest(ctx, "/images/generations", imageRequest{
		Prompt: prompt,
		N:      1,
		Size:   p.imageSize,
	})
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var imgResp imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return "", err
	}

	if len(imgResp.Data) == 0 || imgResp.Data[0].URL == "" {
		return "", fmt.Errorf("openai images: %w", provider.ErrEmptyResult)
	}

	return imgResp.Data[0].URL, nil
}

func (p *OpenAIProvider) mapMessages(msgs []provider.Message) []openAIMessage {
	messages := make([]openAIMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}
	return messages
}

func (p *OpenAIProvider) Stream(ctx context.Context, msgs []provider.Message) (<-chan *provider.Chunk, error) {
	httpReq, err := p.newRequest(ctx, "/chat/completions", openAIRequest{
		Model:    p.model,
		Messages: p.mapMessages(msgs),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			send(&provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			send(&provider.Chunk{Err: fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(respBody))})
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// the provider always terminates with [DONE]
					err = io.ErrUnexpectedEOF
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(&provider.Chunk{Done: true})
				return
			}

			var openAIResp openAIResponse
			if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
				send(&provider.Chunk{Err: err})
				return
			}

			if len(openAIResp.Choices) > 0 {
				content := openAIResp.Choices[0].Delta.Content
				if content != "" {
					if !send(&provider.Chunk{Delta: content}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}
