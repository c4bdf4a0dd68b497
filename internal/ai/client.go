package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Embedder turns texts into fixed-length vectors, one per text and in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Answerer extracts an answer span for question from contextText.
type Answerer interface {
	Answer(ctx context.Context, question, contextText string) (Answer, error)
}

// Client provides both embedding and question answering capabilities
type Client interface {
	Embedder
	Answerer
}

// Answer is an extracted span with a confidence in [0, 1].
type Answer struct {
	Text       string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

const StubDim = 384

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey      string
	EmbedModel  string
	AnswerModel string
	BaseURL     string
	Dim         int
	ProjectID   string
	Provider    Provider
	Location    string
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// ParseProvider maps a configured provider name to a Provider.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return ProviderOpenAI, nil
	case "vertexai", "google":
		return ProviderVertexAI, nil
	case "stub", "":
		return ProviderStub, nil
	default:
		return "", errors.New("unsupported provider: " + name)
	}
}

// StubClient is an offline Client: hashed bag-of-words embeddings and a
// lexical extractive answerer. It needs no credentials and is deterministic.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = StubDim
	}
	return &StubClient{dim: dim}
}

// Embed hashes each token into a bucket and L2-normalizes the counts.
func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := make([]float32, s.dim)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			v[h.Sum32()%uint32(s.dim)]++
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range v {
				v[j] /= n
			}
		}
		out[i] = v
	}
	return out, nil
}

// Answer returns the context sentence sharing the most content words with
// the question. Confidence is the fraction of question words it covers.
func (s *StubClient) Answer(ctx context.Context, question, contextText string) (Answer, error) {
	qwords := contentWords(question)
	if len(qwords) == 0 || strings.TrimSpace(contextText) == "" {
		return Answer{}, nil
	}

	var best Answer
	for _, sentence := range sentences(contextText) {
		seen := make(map[string]bool)
		for _, tok := range tokenize(sentence) {
			if qwords[tok] {
				seen[tok] = true
			}
		}
		conf := float64(len(seen)) / float64(len(qwords))
		if conf > best.Confidence {
			best = Answer{Text: sentence, Confidence: conf}
		}
	}
	return best, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "did": true, "do": true, "does": true, "for": true, "from": true, "how": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true, "the": true,
	"to": true, "was": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "with": true,
}

func contentWords(s string) map[string]bool {
	words := make(map[string]bool)
	for _, tok := range tokenize(s) {
		if !stopwords[tok] {
			words[tok] = true
		}
	}
	return words
}

// sentences splits text after '.', '!', '?' and at line breaks.
func sentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()
	return out
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// truncateContext cuts s to at most maxContext bytes without splitting a rune.
func truncateContext(s string) string {
	if len(s) <= maxContext {
		return s
	}
	cut := maxContext
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
