package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/genai-studio/config"
	"github.com/vnmchuo/genai-studio/internal/provider"
)

func newTestProvider(url string) *ReplicateProvider {
	defaults := config.DefaultProviders()
	p := New("r8-test", defaults.Audio, defaults.Video)
	p.baseURL = url
	p.pollInterval = 10 * time.Millisecond
	return p
}

func TestGenerateAudio_ImmediateSuccess(t *testing.T) {
	var got predictionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions", r.URL.Path)
		assert.Equal(t, "wait", r.Header.Get("Prefer"))
		assert.Equal(t, "Bearer r8-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"p1","status":"succeeded","output":{"audio":"https://cdn/song.mp3","spectrogram":"https://cdn/s.png"}}`)
	}))
	defer server.Close()

	url, err := newTestProvider(server.URL).GenerateAudio(context.Background(), "lofi piano")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/song.mp3", url)
	assert.Equal(t, config.DefaultProviders().Audio.Version, got.Version)
	assert.Equal(t, "lofi piano", got.Input["prompt_b"])
}

func TestGenerateVideo_Polls(t *testing.T) {
	var polls atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/predictions":
			var req predictionRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, float64(24), req.Input["fps"])
			assert.Equal(t, float64(576), req.Input["height"])
			fmt.Fprintf(w, `{"id":"p2","status":"starting","urls":{"get":"%s/predictions/p2","cancel":"%s/predictions/p2/cancel"}}`, server.URL, server.URL)
		case r.Method == "GET" && r.URL.Path == "/predictions/p2":
			if polls.Add(1) < 3 {
				fmt.Fprintf(w, `{"id":"p2","status":"processing","urls":{"get":"%s/predictions/p2"}}`, server.URL)
				return
			}
			fmt.Fprint(w, `{"id":"p2","status":"succeeded","output":["https://cdn/clip.mp4"]}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	url, err := newTestProvider(server.URL).GenerateVideo(context.Background(), "a red fox running")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/clip.mp4", url)
	assert.Equal(t, int32(3), polls.Load())
}

func TestGenerateVideo_Failed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p3","status":"failed","error":"CUDA out of memory"}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).GenerateVideo(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestGenerateAudio_EmptyOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p4","status":"succeeded","output":{"audio":""}}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).GenerateAudio(context.Background(), "x")
	assert.True(t, errors.Is(err, provider.ErrEmptyResult))
}

func TestRun_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"detail":"invalid version"}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).GenerateAudio(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestRun_CancelledCancelsPrediction(t *testing.T) {
	cancelled := make(chan struct{}, 1)
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/predictions":
			fmt.Fprintf(w, `{"id":"p5","status":"starting","urls":{"get":"%s/predictions/p5","cancel":"%s/predictions/p5/cancel"}}`, server.URL, server.URL)
		case "/predictions/p5":
			fmt.Fprintf(w, `{"id":"p5","status":"processing","urls":{"get":"%s/predictions/p5","cancel":"%s/predictions/p5/cancel"}}`, server.URL, server.URL)
		case "/predictions/p5/cancel":
			cancelled <- struct{}{}
			fmt.Fprint(w, `{"id":"p5","status":"canceled"}`)
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestProvider(server.URL).GenerateVideo(ctx, "x")
	require.Error(t, err)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("prediction was not cancelled upstream")
	}
}
