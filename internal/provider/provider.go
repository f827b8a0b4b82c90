package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrEmptyResult           = errors.New("provider returned no result")
	ErrInvalidRequest        = errors.New("invalid generation request")
)

type Capability string

const (
	CapabilityChat  Capability = "chat"
	CapabilityCode  Capability = "code"
	CapabilityImage Capability = "image"
	CapabilityAudio Capability = "audio"
	CapabilityVideo Capability = "video"
)

func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(s)); c {
	case CapabilityChat, CapabilityCode, CapabilityImage, CapabilityAudio, CapabilityVideo:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCapability, s)
}

// Streaming reports whether the capability produces a text stream rather
// than a single resource locator.
func (c Capability) Streaming() bool {
	return c == CapabilityChat || c == CapabilityCode
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Request is one generation. Messages is the caller's history with the new
// prompt last; it is never modified.
type Request struct {
	Capability Capability
	Messages   []Message
	// Metadata for logging and tracing
	UserID    string
	RequestID string
}

// Prompt returns the newest user turn.
func (r *Request) Prompt() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	if strings.TrimSpace(r.Prompt()) == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	return nil
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// ChatStreamer opens a streaming chat completion. The channel yields deltas
// in arrival order and ends with either a Done chunk or an Err chunk. The
// producer stops when ctx is cancelled.
type ChatStreamer interface {
	Stream(ctx context.Context, messages []Message) (<-chan *Chunk, error)
	Name() string
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

type AudioGenerator interface {
	GenerateAudio(ctx context.Context, prompt string) (string, error)
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, prompt string) (string, error)
}
