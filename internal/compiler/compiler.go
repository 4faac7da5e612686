// Package compiler turns product descriptors into generation specs. Template
// is deterministic and never fails; Enhancer asks a text model to rewrite the
// subject description and is expected to be paired with Template as fallback.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"sku-render-pipeline/internal/llm"
	"sku-render-pipeline/internal/models"
)

const styleTemplate = `(Style Block - LOCKED):
Professional e-commerce product photography, studio lighting, 4k resolution,
minimalist composition, clean solid color background, product centered in frame.
NO text, NO watermark, NO blurry edges, NO distorted geometry, NO extra objects.

(Subject Block - Dynamic):
Subject: %s
Color Scheme: %s
Key Selling Point: %s - make this feature visually prominent
Product Category: %s

(Composition Block - FIXED):
View: Front view, slightly elevated angle, product fills 60-70%% of frame
Lighting: Professional softbox lighting from top-left, subtle gradient shadow
Background: Clean, minimalist, single solid color that complements the product`

// NegativePrompt lists what every render must exclude
const NegativePrompt = "text, words, letters, numbers, watermark, logo, signature, " +
	"blurry, distorted, deformed, extra limbs, missing parts, " +
	"low quality, pixelated, noise, grain, artifacts, " +
	"busy background, cluttered, multiple products, human hands holding product"

var constraints = []string{
	"no text or watermark",
	"single product centered",
	"clean solid background",
}

// Template fills the locked style template
type Template struct{}

func (Template) Compile(_ context.Context, d models.Descriptor) (models.GenerationSpec, error) {
	prompt := fmt.Sprintf(styleTemplate,
		orDefault(d.ProductName, "Product"),
		orDefault(d.Color, "Natural"),
		orDefault(d.SellingPoint, "High Quality"),
		orDefault(d.Category, "General"),
	)
	if text := strings.TrimSpace(d.CustomText); text != "" {
		prompt += "\n\nAdditional direction: " + text
	}
	return models.GenerationSpec{
		Prompt:         prompt,
		NegativePrompt: NegativePrompt,
		Constraints:    append([]string(nil), constraints...),
		Source:         models.SourceTemplate,
	}, nil
}

const enhanceInstruction = `You are a professional e-commerce visual designer who turns product information into prompts for an image model.

Requirements:
1. Answer in English
2. Professional product photography style
3. Product centered, clean background, studio lighting
4. No text of any kind may appear in the image
5. Make the key selling point visually prominent

Reply with the final prompt only, no explanation.`

// Enhancer rewrites the descriptor into a richer prompt with a text model
type Enhancer struct {
	Client llm.Client
	Model  string
}

func NewEnhancer(client llm.Client, model string) *Enhancer {
	return &Enhancer{Client: client, Model: model}
}

func (e *Enhancer) Compile(ctx context.Context, d models.Descriptor) (models.GenerationSpec, error) {
	if e == nil || e.Client == nil {
		return models.GenerationSpec{}, fmt.Errorf("enhancer has no client")
	}

	resp, err := e.Client.Chat(ctx, llm.ChatRequest{
		Model:       e.Model,
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   500,
		Messages: []llm.Message{
			{Role: "system", Content: enhanceInstruction},
			{Role: "user", Content: describe(d)},
		},
	})
	if err != nil {
		return models.GenerationSpec{}, fmt.Errorf("enhance prompt: %w", err)
	}
	prompt := strings.TrimSpace(resp.Content)
	if prompt == "" {
		return models.GenerationSpec{}, fmt.Errorf("enhance prompt: empty answer")
	}
	return models.GenerationSpec{
		Prompt:         prompt,
		NegativePrompt: NegativePrompt,
		Constraints:    append([]string(nil), constraints...),
		Source:         models.SourceEnhanced,
	}, nil
}

func describe(d models.Descriptor) string {
	var b strings.Builder
	b.WriteString("Write an image prompt for the main e-commerce picture of this product:\n\n")
	fmt.Fprintf(&b, "Product name: %s\n", orDefault(d.ProductName, "Product"))
	fmt.Fprintf(&b, "Color: %s\n", orDefault(d.Color, "default"))
	fmt.Fprintf(&b, "Key selling point: %s\n", orDefault(d.SellingPoint, "high quality"))
	fmt.Fprintf(&b, "Category: %s\n", orDefault(d.Category, "general"))
	if text := strings.TrimSpace(d.CustomText); text != "" {
		fmt.Fprintf(&b, "Extra direction: %s\n", text)
	}
	return b.String()
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
