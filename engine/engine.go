// Package engine defines the contract of the image-synthesis backend the
// worker drives. The backend is stateful and serves one job at a time; the
// worker's task queue guarantees that only one caller reaches it.
package engine

import (
	"context"
	"errors"
	"image"

	"imagegen-worker/generation"
)

// ErrInterrupted is returned by RunDiffusion when the user stopped generation
// through the engine's own interrupt control.
var ErrInterrupted = errors.New("engine: processing interrupted")

// Conditioning is an opaque reference to encoded prompt text held by the engine.
type Conditioning string

// Latent is an opaque reference to an encoded image. Width and Height are the
// pixel dimensions the latent decodes to.
type Latent struct {
	Ref    string
	Width  int
	Height int
}

// Guidance carries the sampler patch settings applied to every diffusion call.
type Guidance struct {
	Sharpness        float64
	AdaptiveCFG      float64
	PositiveADMScale float64
	NegativeADMScale float64
	ADMScalerEnd     float64
}

type DiffusionParams struct {
	Positive  Conditioning
	Negative  Conditioning
	Steps     int
	Switch    int
	Width     int
	Height    int
	Seed      int64
	Sampler   string
	Scheduler string
	Latent    *Latent
	// InpaintMask marks with non-zero values the region to repaint.
	InpaintMask *image.Gray
	Denoise     float64
	Tiled       bool
	CFG         float64
	Guidance    Guidance
}

type Engine interface {
	SwitchModels(ctx context.Context, base, refiner string, loras []generation.LoRA) error
	EncodeConditioning(ctx context.Context, texts []string, topK int) (Conditioning, error)
	RunDiffusion(ctx context.Context, p DiffusionParams) ([]image.Image, error)
	EncodeImageToLatent(ctx context.Context, pixels image.Image, tiled bool) (Latent, error)
	Upscale(ctx context.Context, pixels image.Image) (image.Image, error)
	ExpandPrompt(ctx context.Context, prompt string, seed int64) (string, error)
}
