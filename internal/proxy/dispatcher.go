package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/genai-studio/internal/provider"
)

var ErrProviderUnavailable = errors.New("provider unavailable")

// Providers are the backends for each capability. A nil field disables the
// capabilities it serves.
type Providers struct {
	Chat  provider.ChatStreamer
	Image provider.ImageGenerator
	Audio provider.AudioGenerator
	Video provider.VideoGenerator
}

// Dispatcher turns a generation request into the capability's provider
// call. Every capability sits behind its own circuit breaker; streaming
// capabilities use a two-step breaker because their outcome is only known
// when the stream ends.
type Dispatcher struct {
	providers      Providers
	systemPrompts  map[provider.Capability]string
	breakers       map[provider.Capability]*gobreaker.CircuitBreaker
	streamBreakers map[provider.Capability]*gobreaker.TwoStepCircuitBreaker
	breakerTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBreakerTimeout sets how long a tripped breaker stays open before it
// lets trial requests through (default 30s).
func WithBreakerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.breakerTimeout = timeout }
}

func NewDispatcher(providers Providers, systemPrompts map[provider.Capability]string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		providers:      providers,
		systemPrompts:  systemPrompts,
		breakers:       make(map[provider.Capability]*gobreaker.CircuitBreaker),
		streamBreakers: make(map[provider.Capability]*gobreaker.TwoStepCircuitBreaker),
		breakerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, c := range []provider.Capability{
		provider.CapabilityChat, provider.CapabilityCode,
		provider.CapabilityImage, provider.CapabilityAudio, provider.CapabilityVideo,
	} {
		settings := gobreaker.Settings{
			Name:        string(c),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     d.breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: healthy,
		}
		if c.Streaming() {
			d.streamBreakers[c] = gobreaker.NewTwoStepCircuitBreaker(settings)
		} else {
			d.breakers[c] = gobreaker.NewCircuitBreaker(settings)
		}
	}
	return d
}

// healthy reports whether err leaves the provider's health untouched. A
// caller going away says nothing about the provider.
func healthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func (d *Dispatcher) state(c provider.Capability) (gobreaker.State, bool) {
	if cb, ok := d.streamBreakers[c]; ok {
		return cb.State(), true
	}
	if cb, ok := d.breakers[c]; ok {
		return cb.State(), true
	}
	return gobreaker.StateClosed, false
}

// Available reports whether the capability can currently be dispatched.
func (d *Dispatcher) Available(c provider.Capability) error {
	if !d.supports(c) {
		return fmt.Errorf("%w: %s", provider.ErrUnsupportedCapability, c)
	}
	st, ok := d.state(c)
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnsupportedCapability, c)
	}
	if st == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, c)
	}
	return nil
}

func (d *Dispatcher) supports(c provider.Capability) bool {
	switch c {
	case provider.CapabilityChat, provider.CapabilityCode:
		return d.providers.Chat != nil
	case provider.CapabilityImage:
		return d.providers.Image != nil
	case provider.CapabilityAudio:
		return d.providers.Audio != nil
	case provider.CapabilityVideo:
		return d.providers.Video != nil
	}
	return false
}

// Generate runs req against its capability's provider. Streaming
// capabilities return a *provider.TextResult whose stream is already open;
// single-shot capabilities block until the provider answers.
func (d *Dispatcher) Generate(ctx context.Context, req *provider.Request) (provider.Result, error) {
	if err := d.Available(req.Capability); err != nil {
		return nil, err
	}
	if req.Capability.Streaming() {
		return d.stream(ctx, req)
	}

	cb := d.breakers[req.Capability]
	prompt := req.Prompt()
	out, err := cb.Execute(func() (interface{}, error) {
		switch req.Capability {
		case provider.CapabilityImage:
			url, err := d.providers.Image.GenerateImage(ctx, prompt)
			return &provider.ImageResult{URL: url}, err
		case provider.CapabilityAudio:
			url, err := d.providers.Audio.GenerateAudio(ctx, prompt)
			return &provider.AudioResult{URL: url}, err
		case provider.CapabilityVideo:
			url, err := d.providers.Video.GenerateVideo(ctx, prompt)
			return &provider.VideoResult{URL: url}, err
		}
		return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedCapability, req.Capability)
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.(provider.Result), nil
}

// withSystemPrompt returns a new slice; the caller's history is untouched.
func (d *Dispatcher) withSystemPrompt(c provider.Capability, msgs []provider.Message) []provider.Message {
	prompt, ok := d.systemPrompts[c]
	if !ok || prompt == "" {
		out := make([]provider.Message, len(msgs))
		copy(out, msgs)
		return out
	}
	out := make([]provider.Message, 0, len(msgs)+1)
	out = append(out, provider.Message{Role: "system", Content: prompt})
	return append(out, msgs...)
}

// stream opens the provider stream and waits for its first chunk, so a
// provider that fails before producing any text is reported as an error
// rather than as an empty stream. The first chunk is replayed to the
// consumer ahead of the rest.
func (d *Dispatcher) stream(ctx context.Context, req *provider.Request) (provider.Result, error) {
	done, err := d.streamBreakers[req.Capability].Allow()
	if err != nil {
		return nil, breakerErr(err)
	}
	ctx, cancel := context.WithCancel(ctx)

	origCh, err := d.providers.Chat.Stream(ctx, d.withSystemPrompt(req.Capability, req.Messages))
	if err != nil {
		cancel()
		done(healthy(err))
		return nil, err
	}

	var first *provider.Chunk
	select {
	case chunk, ok := <-origCh:
		switch {
		case !ok && ctx.Err() != nil:
			err = ctx.Err()
		case !ok:
			err = fmt.Errorf("%s stream closed before any output: %w", d.providers.Chat.Name(), io.ErrUnexpectedEOF)
		case chunk.Err != nil:
			err = chunk.Err
		}
		first = chunk
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		done(healthy(err))
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		defer cancel()
		success := true
		defer func() { done(success) }()

		chunk := first
		for {
			if chunk.Err != nil {
				success = healthy(chunk.Err)
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Err != nil || chunk.Done {
				return
			}

			var ok bool
			select {
			case chunk, ok = <-origCh:
			case <-ctx.Done():
				return
			}
			if !ok {
				// closed without a terminal chunk
				success = ctx.Err() != nil
				return
			}
		}
	}()

	return &provider.TextResult{Cap: req.Capability, Chunks: wrappedCh, Stop: cancel}, nil
}

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return err
}
