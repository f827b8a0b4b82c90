package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Providers holds the per-capability model settings. Every field has a
// default, so the YAML file only needs the values it overrides.
type Providers struct {
	Chat  ChatSettings  `yaml:"chat"`
	Image ImageSettings `yaml:"image"`
	Audio AudioSettings `yaml:"audio"`
	Video VideoSettings `yaml:"video"`
}

type ChatSettings struct {
	Model            string `yaml:"model"`
	SystemPrompt     string `yaml:"system_prompt"`
	CodeSystemPrompt string `yaml:"code_system_prompt"`
}

type ImageSettings struct {
	Size string `yaml:"size"`
}

type AudioSettings struct {
	Version string `yaml:"version"`
}

type VideoSettings struct {
	Version        string  `yaml:"version"`
	FPS            int     `yaml:"fps"`
	Width          int     `yaml:"width"`
	Height         int     `yaml:"height"`
	GuidanceScale  float64 `yaml:"guidance_scale"`
	NegativePrompt string  `yaml:"negative_prompt"`
}

func DefaultProviders() *Providers {
	return &Providers{
		Chat: ChatSettings{
			Model:            "gpt-3.5-turbo",
			SystemPrompt:     "you are an AI assistant helping a user with their questions",
			CodeSystemPrompt: "You are a code generator. You must answer only in markdown code snippets. Use code comments for explanations.",
		},
		Image: ImageSettings{
			Size: "1024x1024",
		},
		Audio: AudioSettings{
			Version: "8cf61ea6c56afd61d8f5b9ffd14d7c216c0a93844ce2d82ac1c9ecc9c7f24e05",
		},
		Video: VideoSettings{
			Version:        "9f747673945c62801b13b84701c783929c0ee784e4748ec062204894dda1a351",
			FPS:            24,
			Width:          1024,
			Height:         576,
			GuidanceScale:  17.5,
			NegativePrompt: "very blue, dust, noisy, washed out, ugly, distorted, broken",
		},
	}
}

// LoadProviders returns the defaults overlaid with the YAML file at path.
// An empty path yields the defaults.
func LoadProviders(path string) (*Providers, error) {
	p := DefaultProviders()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}
	if p.Chat.Model == "" {
		return nil, fmt.Errorf("providers file %s: chat.model must not be empty", path)
	}
	return p, nil
}
