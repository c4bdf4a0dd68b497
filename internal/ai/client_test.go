package ai

import (
	"context"
	"math"
	"strings"
	"testing"
	"unicode/utf8"
)

// Test Provider constants
func TestProviderConstants(t *testing.T) {
	tests := []struct {
		provider Provider
		expected string
	}{
		{ProviderOpenAI, "openai"},
		{ProviderVertexAI, "vertexai"},
		{ProviderStub, "stub"},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			if string(tt.provider) != tt.expected {
				t.Errorf("Provider constant mismatch. Expected: %s, Got: %s", tt.expected, string(tt.provider))
			}
		})
	}
}

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{in: "openai", want: ProviderOpenAI},
		{in: "OpenAI", want: ProviderOpenAI},
		{in: "google", want: ProviderVertexAI},
		{in: "vertexai", want: ProviderVertexAI},
		{in: "", want: ProviderStub},
		{in: " stub ", want: ProviderStub},
		{in: "anthropic", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProvider(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.in)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseProvider(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

// Test NewClient function
func TestNewClient(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config", func(t *testing.T) {
		client, err := NewClient(ctx, nil)
		if err == nil || client != nil {
			t.Errorf("Expected error for nil config, got client=%v err=%v", client, err)
		}
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := NewClient(ctx, &ClientConfig{Provider: "nope"})
		if err == nil || err.Error() != "unsupported provider: nope" {
			t.Errorf("Expected unsupported provider error, got %v", err)
		}
	})

	t.Run("stub", func(t *testing.T) {
		client, err := NewClient(ctx, &ClientConfig{Provider: ProviderStub, Dim: 64})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if _, ok := client.(*StubClient); !ok {
			t.Errorf("Expected *StubClient, got %T", client)
		}
		if client.Dim() != 64 {
			t.Errorf("Expected Dim 64, got %d", client.Dim())
		}
	})

	t.Run("openai", func(t *testing.T) {
		client, err := NewClient(ctx, &ClientConfig{Provider: ProviderOpenAI, APIKey: "k"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if _, ok := client.(*OpenAIClient); !ok {
			t.Errorf("Expected *OpenAIClient, got %T", client)
		}
	})
}

func TestStubClient_Embed(t *testing.T) {
	ctx := context.Background()
	s := NewStubClient(0)
	if s.Dim() != StubDim {
		t.Fatalf("Expected default dim %d, got %d", StubDim, s.Dim())
	}

	vecs, err := s.Embed(ctx, []string{"Paris is the capital of France.", "paris IS the capital, of france", ""})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("Expected 3 vectors, got %d", len(vecs))
	}
	for i, v := range vecs[:2] {
		if len(v) != StubDim {
			t.Errorf("vector %d has length %d", i, len(v))
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if math.Abs(norm-1) > 1e-5 {
			t.Errorf("vector %d not normalized: %v", i, norm)
		}
	}
	for j := range vecs[0] {
		if vecs[0][j] != vecs[1][j] {
			t.Fatalf("Expected identical vectors for texts differing only in case and punctuation")
		}
	}
	for _, x := range vecs[2] {
		if x != 0 {
			t.Fatal("Expected zero vector for empty text")
		}
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Embed(canceled, []string{"x"}); err == nil {
		t.Error("Expected error for canceled context")
	}
}

func TestStubClient_Answer(t *testing.T) {
	ctx := context.Background()
	s := NewStubClient(8)

	tests := []struct {
		name     string
		question string
		context  string
		want     string
		minConf  float64
		maxConf  float64
	}{
		{
			name:     "best sentence",
			question: "What is the capital of France?",
			context:  "The Eiffel Tower is in Paris. Paris is the capital of France.",
			want:     "Paris is the capital of France.",
			minConf:  1,
			maxConf:  1,
		},
		{
			name:     "partial overlap",
			question: "capital of Spain",
			context:  "Paris is the capital of France.",
			want:     "Paris is the capital of France.",
			minConf:  0.5,
			maxConf:  0.5,
		},
		{
			name:     "empty context",
			question: "What is the capital of France?",
			context:  "",
		},
		{
			name:     "no overlap",
			question: "weather tomorrow",
			context:  "Paris is the capital of France.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Answer(ctx, tt.question, tt.context)
			if err != nil {
				t.Fatalf("Answer failed: %v", err)
			}
			if got.Text != tt.want {
				t.Errorf("Expected answer %q, got %q", tt.want, got.Text)
			}
			if got.Confidence < tt.minConf || got.Confidence > tt.maxConf {
				t.Errorf("Expected confidence in [%v, %v], got %v", tt.minConf, tt.maxConf, got.Confidence)
			}
		})
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Answer
		wantErr bool
	}{
		{name: "plain", raw: `{"answer":"Paris","confidence":0.9}`, want: Answer{Text: "Paris", Confidence: 0.9}},
		{name: "fenced", raw: "```json\n{\"answer\":\" Paris \",\"confidence\":0.5}\n```", want: Answer{Text: "Paris", Confidence: 0.5}},
		{name: "clamped high", raw: `{"answer":"Paris","confidence":7}`, want: Answer{Text: "Paris", Confidence: 1}},
		{name: "clamped low", raw: `{"answer":"Paris","confidence":-1}`, want: Answer{Text: "Paris", Confidence: 0}},
		{name: "empty answer", raw: `{"answer":"","confidence":0.8}`, want: Answer{}},
		{name: "not json", raw: `Paris`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnswer(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnswer failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestTruncateContext(t *testing.T) {
	pad := strings.Repeat("a", maxContext-1)
	tests := []struct {
		name    string
		in      string
		wantLen int
	}{
		{name: "short", in: "Paris is the capital of France.", wantLen: 31},
		{name: "exact limit", in: strings.Repeat("a", maxContext), wantLen: maxContext},
		{name: "two-byte rune across limit", in: pad + "é and more", wantLen: maxContext - 1},
		{name: "four-byte rune across limit", in: strings.Repeat("a", maxContext-2) + "🗼", wantLen: maxContext - 2},
		{name: "rune ending at limit", in: strings.Repeat("a", maxContext-2) + "é" + "tail", wantLen: maxContext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateContext(tt.in)
			if len(got) != tt.wantLen {
				t.Errorf("Expected length %d, got %d", tt.wantLen, len(got))
			}
			if !utf8.ValidString(got) {
				t.Error("Truncated context is not valid UTF-8")
			}
			if !strings.HasPrefix(tt.in, got) {
				t.Error("Truncated context is not a prefix of the input")
			}
		})
	}
}
