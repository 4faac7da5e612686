package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"sku-render-pipeline/internal/llm"
	"sku-render-pipeline/internal/models"
)

var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(((?:data:image/|https?://)[^)\s]+)\)`)

// Generator renders a spec through an image model exposed as chat completions.
// It makes a single call per Generate; retries belong to the caller.
type Generator struct {
	Client llm.Client
	Model  string
}

func New(client llm.Client, model string) *Generator {
	return &Generator{Client: client, Model: model}
}

func (g *Generator) Generate(ctx context.Context, spec models.GenerationSpec, seed int64) (models.Artifact, error) {
	prompt := "Generate a professional e-commerce product image:\n\n" + spec.Prompt
	if neg := strings.TrimSpace(spec.NegativePrompt); neg != "" {
		prompt += "\n\nNegative constraints: " + neg
	}

	resp, err := g.Client.Chat(ctx, llm.ChatRequest{
		Model:       g.Model,
		MaxTokens:   4096,
		Temperature: 0.8,
		Seed:        &seed,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return models.Artifact{}, classify(err)
	}

	art, err := ParseImage(resp.Content)
	if err != nil {
		return models.Artifact{}, &models.GeneratorError{Message: "unusable image response", Cause: err}
	}
	return art, nil
}

func classify(err error) *models.GeneratorError {
	if llm.IsTimeout(err) {
		return &models.GeneratorError{Message: "image generation timed out", Timeout: true, Cause: err}
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Transient() {
			return &models.GeneratorError{Message: fmt.Sprintf("image service error %d", statusErr.Code), Cause: err}
		}
		return &models.GeneratorError{Message: fmt.Sprintf("image request rejected with %d", statusErr.Code), Cause: err}
	}
	return &models.GeneratorError{Message: "image request failed", Cause: err}
}

// ParseImage extracts an image from a model reply: a markdown image whose
// target is a data URI or URL, a bare data URI, or a bare http(s) URL.
func ParseImage(content string) (models.Artifact, error) {
	content = strings.TrimSpace(content)

	if m := markdownImage.FindStringSubmatch(content); m != nil {
		content = m[1]
	}
	switch {
	case strings.HasPrefix(content, "data:image"):
		return decodeDataURI(content)
	case strings.HasPrefix(content, "http://"), strings.HasPrefix(content, "https://"):
		return models.Artifact{URL: content, MimeType: "image/png"}, nil
	}

	preview := content
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return models.Artifact{}, fmt.Errorf("unexpected response format: %s", preview)
}

func decodeDataURI(uri string) (models.Artifact, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return models.Artifact{}, errors.New("data URI has no payload")
	}
	mime := strings.TrimPrefix(header, "data:")
	mime, _, _ = strings.Cut(mime, ";")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("decode base64 image: %w", err)
	}
	if len(data) == 0 {
		return models.Artifact{}, errors.New("empty image payload")
	}
	return models.Artifact{Data: data, MimeType: mime}, nil
}
