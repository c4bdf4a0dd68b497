package ai

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const answerInstruction = "You answer questions by extracting a span from the given context. " +
	"Reply with a JSON object {\"answer\": string, \"confidence\": number}. " +
	"The answer must be copied verbatim from the context and be as short as possible. " +
	"confidence is your probability in [0,1] that the span answers the question. " +
	"If the context does not contain the answer, reply {\"answer\": \"\", \"confidence\": 0}."

// maxContext bounds the context sent for answering; the model only needs the top chunks.
const maxContext = 16000

type OpenAIClient struct {
	config *ClientConfig
	client *openai.Client
	http   *http.Client
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	// Set default models if not provided
	if config.EmbedModel == "" {
		config.EmbedModel = string(openai.SmallEmbedding3)
	}
	if config.AnswerModel == "" {
		config.AnswerModel = openai.GPT4oMini
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case string(openai.LargeEmbedding3):
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}

	// Check for environment variable to skip TLS verification (for corporate proxies, etc.)
	if skipTLS, _ := strconv.ParseBool(os.Getenv("DOCQA_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	c := &OpenAIClient{
		config: config,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
	c.client = c.newAPIClient()
	return c
}

func (c *OpenAIClient) newAPIClient() *openai.Client {
	oc := openai.DefaultConfig(c.config.APIKey)
	if c.config.BaseURL != "" {
		oc.BaseURL = c.config.BaseURL
	}
	oc.HTTPClient = &http.Client{
		Timeout:   c.http.Timeout,
		Transport: &projectTransport{project: c.projectHeader(), next: c.http.Transport},
	}
	return openai.NewClientWithConfig(oc)
}

// setHTTPClient swaps the underlying HTTP client and rebuilds the API client.
func (c *OpenAIClient) setHTTPClient(h *http.Client) {
	c.http = h
	c.client = c.newAPIClient()
}

// Embed implements the embedding functionality, one request per batch.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.config.EmbedModel),
	}
	if strings.HasPrefix(c.config.EmbedModel, "text-embedding-3") {
		req.Dimensions = c.config.Dim
	}
	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedding: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai embedding: unexpected index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Answer asks the chat model for an extractive answer in JSON mode.
func (c *OpenAIClient) Answer(ctx context.Context, question, contextText string) (Answer, error) {
	if c.config.APIKey == "" {
		return Answer{}, errors.New("PROVIDER_API_KEY unset")
	}
	contextText = truncateContext(contextText)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.config.AnswerModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: answerInstruction},
			{Role: openai.ChatMessageRoleUser, Content: "Question: " + question + "\n---\nContext: " + contextText},
		},
		MaxTokens: 200,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("openai answer: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Answer{}, errors.New("no choices")
	}
	return parseAnswer(resp.Choices[0].Message.Content)
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func (c *OpenAIClient) projectHeader() string {
	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		return c.config.ProjectID
	}
	return ""
}

// projectTransport adds the OpenAI-Project header for project-scoped keys.
type projectTransport struct {
	project string
	next    http.RoundTripper
}

func (t *projectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	if t.project == "" {
		return next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("OpenAI-Project", t.project)
	return next.RoundTrip(req)
}

// parseAnswer decodes a model reply of the form {"answer": ..., "confidence": ...}.
func parseAnswer(raw string) (Answer, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var a Answer
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil {
		return Answer{}, fmt.Errorf("decode answer: %w", err)
	}
	a.Text = strings.TrimSpace(a.Text)
	a.Confidence = clamp01(a.Confidence)
	if a.Text == "" {
		a.Confidence = 0
	}
	return a, nil
}
