package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/types"
)

// Client talks to an Ollama server for embeddings and short generations.
// It satisfies the bridge summarizer and the narrative storyteller hooks.
type Client struct {
	baseURL         string
	model           string
	generationModel string
	client          *http.Client
}

// NewClient creates a new Ollama client
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // good default, 768 dims
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		model:           model,
		generationModel: "llama3.2", // fast, available by default
		client: &http.Client{
			Timeout: 60 * time.Second, // generation can take longer
		},
	}
}

// SetGenerationModel changes the model used for text generation
func (c *Client) SetGenerationModel(model string) {
	c.generationModel = model
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// generateRequest is the Ollama API request format for generation
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the Ollama API response format for generation
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Embed generates an embedding for the given text
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	var result embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.model, Prompt: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return result.Embedding, nil
}

// Embedder adapts Embed to the store's synchronous embedder hook. Failures
// are logged and leave the memory unembedded.
func (c *Client) Embedder() func(content string) []float64 {
	return func(content string) []float64 {
		vec, err := c.Embed(context.Background(), content)
		if err != nil {
			logging.Warn("embedding", "embed failed: %v", err)
			return nil
		}
		return vec
	}
}

// Generate creates a text completion
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	var result generateResponse
	req := generateRequest{Model: c.generationModel, Prompt: prompt, Stream: false}
	if err := c.post(ctx, "/api/generate", req, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Response), nil
}

// Summarize condenses episodic fragments into one semantic statement
func (c *Client) Summarize(ctx context.Context, fragments []string) (string, error) {
	if len(fragments) == 0 {
		return "", fmt.Errorf("no fragments to summarize")
	}

	prompt := `Condense these related episodes into one general fact worth keeping.

Guidelines:
- Keep names, places, preferences and recurring actions
- Drop one-off details and timestamps
- One sentence, first person
- Output ONLY the fact

Episodes:
`
	for _, f := range fragments {
		prompt += "- " + f + "\n"
	}
	prompt += "\nFact:"

	return c.Generate(ctx, prompt)
}

// Tell narrates a narrative snapshot in a few sentences
func (c *Client) Tell(ctx context.Context, n types.Narrative, markers []types.IdentityMarker) (string, error) {
	ranked := append([]types.IdentityMarker(nil), markers...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Strength > ranked[j].Strength })

	var b strings.Builder
	b.WriteString("Write two sentences, first person, describing who I have been lately.\n\n")
	b.WriteString("Traits I have shown (strongest first):\n")
	for _, m := range ranked {
		fmt.Fprintf(&b, "- %s (%.2f)\n", m.MarkerType, m.Strength)
	}
	fmt.Fprintf(&b, "\nKey events: %d between %s and %s. Coherence %.2f.\n",
		len(n.KeyEvents),
		n.TemporalSpan.Start.Format(time.RFC3339),
		n.TemporalSpan.End.Format(time.RFC3339),
		n.CoherenceScore)
	if n.Summary != "" {
		b.WriteString("Previous summary: " + n.Summary + "\n")
	}
	b.WriteString("\nStory:")

	return c.Generate(ctx, b.String())
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
