package main

import (
	"context"
	"strings"
	"testing"

	"github.com/m4xw311/turtle/config"
	"github.com/m4xw311/turtle/llm"
)

func TestNewClientFallsBackToMock(t *testing.T) {
	cfg := &config.Config{Provider: "mock", Model: "mock-model"}
	client, err := newClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newClient failed: %v", err)
	}
	if _, ok := client.(*llm.MockClient); !ok {
		t.Errorf("Expected the mock client for an unknown provider, got %T", client)
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	for _, provider := range []string{"anthropic", "openai", "gemini"} {
		cfg := &config.Config{Provider: provider, Model: "some-model"}
		if _, err := newClient(context.Background(), cfg); err == nil {
			t.Errorf("Expected %s client creation to fail without an API key", provider)
		}
	}
}

func TestDefaultSessionName(t *testing.T) {
	name := defaultSessionName()
	if name == "" {
		t.Fatal("Expected a non-empty session name")
	}
	if !strings.Contains(name, "_") {
		t.Errorf("Expected directory and timestamp parts, got %q", name)
	}
}
