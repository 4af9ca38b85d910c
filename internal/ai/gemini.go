// Package ai wraps the Gemini generateContent REST API for resume
// extraction and scoring. The PDF goes to the model as inline data, so no
// local text extraction is needed.
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tropl/internal/config"
	"tropl/internal/resume"
)

// Client 调用 Gemini generateContent 接口。
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// ErrEmptyExtraction indicates the model returned nothing usable for the
// document. The caller should treat the resume as unparseable, not retry
// forever.
var ErrEmptyExtraction = errors.New("model returned no usable extraction")

// NewClient 构造 Client。
func NewClient(cfg config.GeminiConfig) *Client {
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

type generatePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateRequest struct {
	Contents []struct {
		Parts []generatePart `json:"parts"`
	} `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

const parsePrompt = `You are an expert resume parser. Analyze the attached resume and return ONLY a valid JSON object (no markdown, no code blocks, no explanations) with this structure:
{
  "personalInfo": {"name": "", "email": "", "phone": "", "location": ""},
  "summary": "",
  "education": [{"degree": "", "field": "", "institution": "", "location": "", "year": "", "grade": ""}],
  "experience": [{"title": "", "company": "", "location": "", "startDate": "", "endDate": "", "current": false, "description": [""]}],
  "skills": {"technical": [], "frameworks": [], "tools": [], "languages": [], "soft": []},
  "projects": [{"name": "", "description": "", "technologies": [], "link": "", "duration": ""}],
  "certifications": [{"name": "", "issuer": "", "date": "", "credentialId": "", "link": ""}],
  "socialLinks": {"linkedin": "", "github": "", "portfolio": "", "twitter": ""},
  "languages": [{"name": "", "proficiency": ""}],
  "achievements": []
}
Extract ALL information present. Use empty strings or empty arrays for missing fields. Preserve exact text. For experience descriptions, extract every bullet point.`

const analyzePromptFormat = `You are an expert resume reviewer and ATS specialist. Review the following extracted resume data and return ONLY a valid JSON object (no markdown, no code blocks) with this structure:
{
  "overallScore": 0,
  "strengths": [],
  "weaknesses": [],
  "suggestions": [],
  "keyHighlights": [],
  "missingElements": [],
  "atsCompatibilityScore": 0
}
Scores are integers from 0 to 100. Be concrete and specific to this resume.

Resume data:
%s`

// ParseResume extracts structured data from a PDF. The result is
// normalized to the canonical payload shape.
func (c *Client) ParseResume(ctx context.Context, pdf []byte) (*resume.ParsedData, error) {
	text, err := c.generate(ctx, []generatePart{
		{InlineData: &inlineData{
			MimeType: "application/pdf",
			Data:     base64.StdEncoding.EncodeToString(pdf),
		}},
		{Text: parsePrompt},
	})
	if err != nil {
		return nil, err
	}

	var parsed resume.ParsedData
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	parsed.Normalize()
	return &parsed, nil
}

// AnalyzeResume scores previously extracted data.
func (c *Client) AnalyzeResume(ctx context.Context, parsed *resume.ParsedData) (*resume.AIAnalysis, error) {
	encoded, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("encode parsed data: %w", err)
	}

	text, err := c.generate(ctx, []generatePart{
		{Text: fmt.Sprintf(analyzePromptFormat, string(encoded))},
	})
	if err != nil {
		return nil, err
	}

	var analysis resume.AIAnalysis
	if err := json.Unmarshal([]byte(stripFences(text)), &analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &analysis, nil
}

func (c *Client) generate(ctx context.Context, parts []generatePart) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("gemini api key is not configured")
	}

	var req generateRequest
	req.Contents = append(req.Contents, struct {
		Parts []generatePart `json:"parts"`
	}{Parts: parts})

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	targetURL := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.endpoint, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return "", fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyExtraction
	}

	text := strings.TrimSpace(decoded.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", ErrEmptyExtraction
	}
	return text, nil
}

// stripFences tolerates models that wrap JSON in a markdown code block
// despite being told not to.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
