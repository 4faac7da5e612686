// Package inspector runs the quality gate: a vision model answers six yes/no
// checks about a staged render and a decision, which ParseVerdict reads strictly.
package inspector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sku-render-pipeline/internal/llm"
	"sku-render-pipeline/internal/models"
)

// Check names reported in QualityVerdict.Checks
const (
	CheckSubjectComplete = "subject_complete"
	CheckShapeCorrect    = "shape_correct"
	CheckSharpness       = "sharpness"
	CheckCleanBackground = "clean_background"
	CheckNoGarbledText   = "no_garbled_text"
	CheckComposition     = "composition"
)

// Checks lists every check in prompt order
var Checks = []string{
	CheckSubjectComplete,
	CheckShapeCorrect,
	CheckSharpness,
	CheckCleanBackground,
	CheckNoGarbledText,
	CheckComposition,
}

const inspectPrompt = `You are a strict e-commerce product image reviewer. Examine this product image carefully.

Answer each check with Yes or No:
1. subject_complete: is the whole product visible, not cropped?
2. shape_correct: is the product free of deformation, distortion or extra parts?
3. sharpness: is the image sharp, without blur or noise?
4. clean_background: is the background clean and free of clutter?
5. no_garbled_text: is the image free of garbled or wrong text? (no text at all is fine)
6. composition: is the product roughly centered with a sensible share of the frame?

Decision:
- every check passes: "pass"
- minor problems in one or two checks: "retry" with the reason
- severe problems (deformation, blur, missing parts): "retry" with the reason

Reply with JSON only:
{
  "status": "pass or retry",
  "checks": {"subject_complete": "Yes/No", "shape_correct": "Yes/No", "sharpness": "Yes/No", "clean_background": "Yes/No", "no_garbled_text": "Yes/No", "composition": "Yes/No"},
  "reason": "why, when status is retry"
}`

// Inspector asks a vision model to judge a staged artifact
type Inspector struct {
	Client llm.Client
	Model  string
}

func New(client llm.Client, model string) *Inspector {
	return &Inspector{Client: client, Model: model}
}

// Inspect returns an error only when the model could not be asked. An answer
// that cannot be parsed yields a retry verdict carrying the raw text.
func (i *Inspector) Inspect(ctx context.Context, stagedPath string, art models.Artifact) (models.QualityVerdict, error) {
	image, err := dataURI(stagedPath, art)
	if err != nil {
		return models.RetryVerdict("could not load image for inspection: " + err.Error()), nil
	}

	resp, err := i.Client.Chat(ctx, llm.ChatRequest{
		Model:       i.Model,
		Temperature: 0.2,
		TopP:        0.8,
		MaxTokens:   500,
		Messages: []llm.Message{{
			Role:    "user",
			Content: []llm.ContentPart{llm.ImagePart(image), llm.TextPart(inspectPrompt)},
		}},
	})
	if err != nil {
		return models.QualityVerdict{}, fmt.Errorf("inspection call: %w", err)
	}

	verdict, err := ParseVerdict(resp.Content)
	if err != nil {
		v := models.RetryVerdict(err.Error())
		v.Raw = resp.Content
		return v, nil
	}
	return verdict, nil
}

type rawVerdict struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
	Reason string         `json:"reason"`
}

// ParseVerdict reads the first JSON object in raw as a verdict. The status
// must be pass, retry or reject in any letter case.
func ParseVerdict(raw string) (models.QualityVerdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return models.QualityVerdict{}, &models.ParseError{Raw: raw, Reason: "no JSON object in answer"}
	}

	var rv rawVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &rv); err != nil {
		return models.QualityVerdict{}, &models.ParseError{Raw: raw, Reason: err.Error()}
	}

	status := models.VerdictStatus(strings.ToLower(strings.TrimSpace(rv.Status)))
	switch status {
	case models.VerdictPass, models.VerdictRetry, models.VerdictReject:
	case "":
		return models.QualityVerdict{}, &models.ParseError{Raw: raw, Reason: "missing status"}
	default:
		return models.QualityVerdict{}, &models.ParseError{Raw: raw, Reason: fmt.Sprintf("unknown status %q", rv.Status)}
	}

	checks := make(map[string]string, len(rv.Checks))
	for k, v := range rv.Checks {
		switch val := v.(type) {
		case bool:
			if val {
				checks[k] = "Yes"
			} else {
				checks[k] = "No"
			}
		default:
			checks[k] = fmt.Sprint(val)
		}
	}

	return models.QualityVerdict{
		Status: status,
		Checks: checks,
		Reason: strings.TrimSpace(rv.Reason),
		Raw:    raw,
	}, nil
}

// FailedChecks returns the checks answered No, in prompt order
func FailedChecks(v models.QualityVerdict) []string {
	var out []string
	for _, name := range Checks {
		if strings.EqualFold(strings.TrimSpace(v.Checks[name]), "no") {
			out = append(out, name)
		}
	}
	return out
}

func dataURI(path string, art models.Artifact) (string, error) {
	data := art.Data
	mime := art.MimeType
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			data = b
			mime = mimeFromExt(filepath.Ext(path))
		} else if len(data) == 0 {
			return "", err
		}
	}
	if len(data) == 0 {
		if art.URL != "" {
			return art.URL, nil
		}
		return "", fmt.Errorf("artifact has no data")
	}
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
