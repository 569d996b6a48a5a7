// Package httpengine implements engine.Engine against a generation backend
// reachable over HTTP. Images travel as base64 PNG; conditioning and latents
// stay on the backend and are referenced by opaque ids.
package httpengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"imagegen-worker/engine"
	"imagegen-worker/generation"
	"imagegen-worker/imaging"

	"github.com/rs/zerolog/log"
)

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type Client struct {
	httpClient *http.Client
	baseURL    string
}

var _ engine.Engine = (*Client)(nil)

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:8188"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{httpClient: client, baseURL: base}
}

type loraJSON struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type switchModelsRequest struct {
	Base    string     `json:"baseModel"`
	Refiner string     `json:"refinerModel"`
	LoRAs   []loraJSON `json:"loras"`
}

type conditioningRequest struct {
	Texts []string `json:"texts"`
	TopK  int      `json:"topK"`
}

type conditioningResponse struct {
	Ref string `json:"ref"`
}

type guidanceJSON struct {
	Sharpness        float64 `json:"sharpness"`
	AdaptiveCFG      float64 `json:"adaptiveCfg"`
	PositiveADMScale float64 `json:"positiveAdmScale"`
	NegativeADMScale float64 `json:"negativeAdmScale"`
	ADMScalerEnd     float64 `json:"admScalerEnd"`
}

type diffusionRequest struct {
	Positive    string       `json:"positive"`
	Negative    string       `json:"negative"`
	Steps       int          `json:"steps"`
	Switch      int          `json:"switch"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Seed        int64        `json:"seed"`
	Sampler     string       `json:"sampler"`
	Scheduler   string       `json:"scheduler"`
	Latent      string       `json:"latent,omitempty"`
	InpaintMask string       `json:"inpaintMask,omitempty"`
	Denoise     float64      `json:"denoise"`
	Tiled       bool         `json:"tiled"`
	CFG         float64      `json:"cfg"`
	Guidance    guidanceJSON `json:"guidance"`
}

type diffusionResponse struct {
	Images      []string `json:"images"`
	Interrupted bool     `json:"interrupted"`
}

type latentRequest struct {
	Image string `json:"image"`
	Tiled bool   `json:"tiled"`
}

type latentResponse struct {
	Ref    string `json:"ref"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type imageMessage struct {
	Image string `json:"image"`
}

type expandRequest struct {
	Prompt string `json:"prompt"`
	Seed   int64  `json:"seed"`
}

type expandResponse struct {
	Expansion string `json:"expansion"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Interrupted bool   `json:"interrupted"`
}

func (c *Client) SwitchModels(ctx context.Context, base, refiner string, loras []generation.LoRA) error {
	body := switchModelsRequest{Base: base, Refiner: refiner, LoRAs: make([]loraJSON, 0, len(loras))}
	for _, l := range loras {
		body.LoRAs = append(body.LoRAs, loraJSON{Name: l.Name, Weight: l.Weight})
	}
	return c.post(ctx, "/v1/models", body, nil)
}

func (c *Client) EncodeConditioning(ctx context.Context, texts []string, topK int) (engine.Conditioning, error) {
	var out conditioningResponse
	if err := c.post(ctx, "/v1/conditioning", conditioningRequest{Texts: texts, TopK: topK}, &out); err != nil {
		return "", err
	}
	if out.Ref == "" {
		return "", errors.New("httpengine: empty conditioning reference")
	}
	return engine.Conditioning(out.Ref), nil
}

func (c *Client) RunDiffusion(ctx context.Context, p engine.DiffusionParams) ([]image.Image, error) {
	body := diffusionRequest{
		Positive:  string(p.Positive),
		Negative:  string(p.Negative),
		Steps:     p.Steps,
		Switch:    p.Switch,
		Width:     p.Width,
		Height:    p.Height,
		Seed:      p.Seed,
		Sampler:   p.Sampler,
		Scheduler: p.Scheduler,
		Denoise:   p.Denoise,
		Tiled:     p.Tiled,
		CFG:       p.CFG,
		Guidance: guidanceJSON{
			Sharpness:        p.Guidance.Sharpness,
			AdaptiveCFG:      p.Guidance.AdaptiveCFG,
			PositiveADMScale: p.Guidance.PositiveADMScale,
			NegativeADMScale: p.Guidance.NegativeADMScale,
			ADMScalerEnd:     p.Guidance.ADMScalerEnd,
		},
	}
	if p.Latent != nil {
		body.Latent = p.Latent.Ref
	}
	if p.InpaintMask != nil {
		mask, err := encodeImage(p.InpaintMask)
		if err != nil {
			return nil, fmt.Errorf("httpengine: encode mask: %w", err)
		}
		body.InpaintMask = mask
	}

	var out diffusionResponse
	if err := c.post(ctx, "/v1/diffusion", body, &out); err != nil {
		return nil, err
	}
	if out.Interrupted {
		return nil, engine.ErrInterrupted
	}
	imgs := make([]image.Image, 0, len(out.Images))
	for i, s := range out.Images {
		img, err := decodeImage(s)
		if err != nil {
			return nil, fmt.Errorf("httpengine: image %d: %w", i, err)
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func (c *Client) EncodeImageToLatent(ctx context.Context, pixels image.Image, tiled bool) (engine.Latent, error) {
	enc, err := encodeImage(pixels)
	if err != nil {
		return engine.Latent{}, fmt.Errorf("httpengine: encode image: %w", err)
	}
	var out latentResponse
	if err := c.post(ctx, "/v1/latent", latentRequest{Image: enc, Tiled: tiled}, &out); err != nil {
		return engine.Latent{}, err
	}
	if out.Ref == "" {
		return engine.Latent{}, errors.New("httpengine: empty latent reference")
	}
	return engine.Latent{Ref: out.Ref, Width: out.Width, Height: out.Height}, nil
}

func (c *Client) Upscale(ctx context.Context, pixels image.Image) (image.Image, error) {
	enc, err := encodeImage(pixels)
	if err != nil {
		return nil, fmt.Errorf("httpengine: encode image: %w", err)
	}
	var out imageMessage
	if err := c.post(ctx, "/v1/upscale", imageMessage{Image: enc}, &out); err != nil {
		return nil, err
	}
	img, err := decodeImage(out.Image)
	if err != nil {
		return nil, fmt.Errorf("httpengine: upscaled image: %w", err)
	}
	return img, nil
}

func (c *Client) ExpandPrompt(ctx context.Context, prompt string, seed int64) (string, error) {
	var out expandResponse
	if err := c.post(ctx, "/v1/expand", expandRequest{Prompt: prompt, Seed: seed}, &out); err != nil {
		return "", err
	}
	return out.Expansion, nil
}

// post sends in as JSON to path and decodes the response into out when out
// is non-nil. A 409 or an interrupted flag maps to engine.ErrInterrupted.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpengine: %s: %w", path, err)
	}
	defer resp.Body.Close()
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("httpengine: request finished")

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if resp.StatusCode == http.StatusConflict || e.Interrupted {
			return engine.ErrInterrupted
		}
		if e.Error != "" {
			return fmt.Errorf("httpengine: %s: %s (http %d)", path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("httpengine: %s: http %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpengine: %s: decode response: %w", path, err)
	}
	return nil
}

func encodeImage(img image.Image) (string, error) {
	b, err := imaging.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeImage(s string) (image.Image, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(b)
	if err != nil {
		return nil, err
	}
	return img, nil
}
