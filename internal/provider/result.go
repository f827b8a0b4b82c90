package provider

import (
	"fmt"
	"strings"
)

// Result is the outcome of one generation. Exactly one of the concrete
// variants below is returned, selected by the request's capability.
type Result interface {
	Capability() Capability
}

// TextResult is an open stream of text fragments. The consumer must call
// Close when it stops reading so the provider connection is released.
type TextResult struct {
	Cap    Capability
	Chunks <-chan *Chunk
	Stop   func()
}

func (r *TextResult) Capability() Capability { return r.Cap }

func (r *TextResult) Close() {
	if r.Stop != nil {
		r.Stop()
	}
}

type ImageResult struct {
	URL string
}

func (r *ImageResult) Capability() Capability { return CapabilityImage }

type AudioResult struct {
	URL string
}

func (r *AudioResult) Capability() Capability { return CapabilityAudio }

type VideoResult struct {
	URL string
}

func (r *VideoResult) Capability() Capability { return CapabilityVideo }

// Locator returns the response field name and URL of a single-shot result.
func Locator(r Result) (field, url string, ok bool) {
	switch v := r.(type) {
	case *ImageResult:
		return "imageUrl", v.URL, true
	case *AudioResult:
		return "audioUrl", v.URL, true
	case *VideoResult:
		return "videoUrl", v.URL, true
	}
	return "", "", false
}

// Collect drains a text stream into a single string. It returns the text
// received so far together with the first stream error, or an error when
// the stream closes without a Done chunk.
func Collect(ch <-chan *Chunk) (string, error) {
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Delta)
		if chunk.Done {
			return sb.String(), nil
		}
	}
	return sb.String(), fmt.Errorf("stream closed before completion")
}
