// Package gemini implements the collaborator contracts on top of the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/gateway"
	"github.com/jo-hoe/compositor/internal/llm"
)

var _ llm.Collaborators = (*Client)(nil)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout    = 2 * time.Minute
	errorSnippetLimit = 400

	statusInvalidArgument = "INVALID_ARGUMENT"
)

// Models names the model used per role.
type Models struct {
	AnalysisFast string
	AnalysisPro  string
	ImageFast    string
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Models     Models
	Gateway    *gateway.Gateway
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls Gemini through the credential gateway. Every request carries the key of the current attempt.
type Client struct {
	httpClient *http.Client
	baseURL    string
	models     Models
	gw         *gateway.Gateway
	log        *slog.Logger
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini status %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini status %d: %s", e.Code, e.Message)
}

// ClientError reports failures that another credential would not fix.
func (e *StatusError) ClientError() bool {
	switch e.Code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return e.Status == statusInvalidArgument
}

// ErrNoImage is returned when a generation response carries no inline image.
var ErrNoImage = errors.New("gemini returned no image")

func New(opts Options) (*Client, error) {
	if opts.Gateway == nil {
		return nil, errors.New("gemini: gateway is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{httpClient: hc, baseURL: base, models: opts.Models, gw: opts.Gateway, log: log}, nil
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type generationConfig struct {
	ResponseMimeType   string       `json:"responseMimeType,omitempty"`
	ResponseModalities []string     `json:"responseModalities,omitempty"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
	Temperature        *float64     `json:"temperature,omitempty"`
}

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type generateContentResponse struct {
	Candidates []candidate `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Analyze asks for JSON metadata of the requested kind.
func (c *Client) Analyze(ctx context.Context, req llm.AnalysisRequest) (json.RawMessage, error) {
	if len(req.Images) == 0 {
		return nil, errors.New("gemini: analysis needs at least one image")
	}
	model := c.models.AnalysisFast
	if req.Quality == llm.QualityPro {
		model = c.models.AnalysisPro
	}
	parts := []part{{Text: analysisPrompt(req.Kind, req.Hints)}}
	for _, img := range req.Images {
		parts = append(parts, imagePart(img))
	}
	payload := generateContentRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{ResponseMimeType: common.ContentTypeJSON},
	}

	resp, err := c.generate(ctx, model, payload)
	if err != nil {
		return nil, err
	}
	text := firstText(resp)
	if text == "" {
		return nil, errors.New("gemini: empty analysis response")
	}
	raw := json.RawMessage(stripFence(text))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("gemini: analysis is not valid JSON: %s", truncate(text, errorSnippetLimit))
	}
	return raw, nil
}

// Generate synthesizes an image. Composite and mask follow the references as the last two parts.
func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (llm.Image, error) {
	parts := []part{{Text: req.Directive}}
	for _, img := range req.References {
		parts = append(parts, imagePart(img))
	}
	if req.Composite != nil && req.Mask != nil {
		parts = append(parts,
			part{Text: "Canvas: repaint only the blacked-out area."},
			imagePart(*req.Composite),
			part{Text: "Mask: white marks the editable pixels."},
			imagePart(*req.Mask),
		)
	}
	payload := generateContentRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        &imageConfig{AspectRatio: req.AspectRatio, ImageSize: imageSize(req.Resolution)},
		},
	}
	resp, err := c.generate(ctx, req.Model, payload)
	if err != nil {
		return llm.Image{}, err
	}
	return firstImage(resp)
}

// Harmonize re-grades the image using the analysis as lighting reference.
func (c *Client) Harmonize(ctx context.Context, req llm.HarmonizeRequest) (llm.Image, error) {
	model := req.Model
	if model == "" {
		model = c.models.ImageFast
	}
	prompt := "Harmonize color temperature, contrast and shadows so the subject matches the scene. " +
		"Do not change composition, identity or pose. Scene analysis: " + string(req.Analysis)
	payload := generateContentRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}, imagePart(req.Image)}}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE"}},
	}
	resp, err := c.generate(ctx, model, payload)
	if err != nil {
		return llm.Image{}, err
	}
	return firstImage(resp)
}

// generate sends one generateContent call through the gateway.
func (c *Client) generate(ctx context.Context, model string, payload generateContentRequest) (*generateContentResponse, error) {
	if model == "" {
		return nil, errors.New("gemini: model is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(model))

	var out generateContentResponse
	err = c.gw.Do(ctx, func(ctx context.Context, key string) error {
		out = generateContentResponse{}
		return c.invoke(ctx, endpoint, key, body, &out)
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug("gemini call completed", "model", model, "candidates", len(out.Candidates))
	return &out, nil
}

func (c *Client) invoke(ctx context.Context, endpoint, key string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", key)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		se := &StatusError{Code: resp.StatusCode, Message: truncate(strings.TrimSpace(string(data)), errorSnippetLimit)}
		var apiErr errorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			se.Message = apiErr.Error.Message
			se.Status = apiErr.Error.Status
		}
		return se
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func imagePart(img llm.Image) part {
	mime := img.MIME
	if mime == "" {
		mime = common.MimeImagePNG
	}
	return part{InlineData: &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(img.Data)}}
}

func firstText(resp *generateContentResponse) string {
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if strings.TrimSpace(p.Text) != "" {
				return p.Text
			}
		}
	}
	return ""
}

func firstImage(resp *generateContentResponse) (llm.Image, error) {
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return llm.Image{}, fmt.Errorf("decode inline data: %w", err)
			}
			return llm.Image{MIME: p.InlineData.MimeType, Data: data}, nil
		}
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		return llm.Image{}, fmt.Errorf("%w (finish reason %s)", ErrNoImage, resp.Candidates[0].FinishReason)
	}
	return llm.Image{}, ErrNoImage
}

// stripFence removes a ```json ... ``` wrapper some models add despite the JSON mime type.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func imageSize(resolution string) string {
	switch resolution {
	case "2K", "4K":
		return resolution
	}
	return ""
}

func analysisPrompt(kind llm.AnalysisKind, hints string) string {
	var b strings.Builder
	switch kind {
	case llm.AnalysisScene:
		b.WriteString("Analyze the scene photo. Return JSON with keys: region {x_min,y_min,x_max,y_max} " +
			"normalized to [0,1] marking where a person fits naturally, shadow_quality, lighting, " +
			"camera (focal length, height, angle), palette and depth notes.")
	case llm.AnalysisStyle:
		b.WriteString("Extract the visual style of the reference photo as JSON: lighting, color grading, " +
			"lens, composition, mood and texture. Do not describe the people in it.")
	default:
		b.WriteString("Describe the identity of the person in the photos as JSON: face geometry, skin tone, " +
			"hair, body build, clothing and distinctive features. Be precise and neutral.")
	}
	if hints = strings.TrimSpace(hints); hints != "" {
		b.WriteString("\nContext: ")
		b.WriteString(hints)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
