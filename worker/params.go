package worker

import (
	"context"
	"fmt"
	"image"
	"slices"
	"strings"

	"imagegen-worker/engine"
	"imagegen-worker/generation"
	"imagegen-worker/imaging"
	"imagegen-worker/styles"

	"github.com/rs/zerolog/log"
)

const (
	defaultSampler   = "dpmpp_2m_sde_gpu"
	defaultScheduler = "karras"
	inpaintSampler   = "dpmpp_fooocus_2m_sde_inpaint_seamless"

	adaptiveCFG      = 7.0
	positiveADMScale = 1.5
	negativeADMScale = 0.8
	admScalerEnd     = 0.3

	// upscaled images above this area skip diffusion
	superLargeArea = 2800 * 2800

	goldenRatio = 0.618
)

// params is everything derived from a request before subtasks are built.
type params struct {
	steps     int
	switchAt  int
	width     int
	height    int
	sampler   string
	scheduler string
	denoise   float64
	tiled     bool
	latent    *engine.Latent
	mask      *image.Gray
	loras     []generation.LoRA
	cfg       float64
	guidance  engine.Guidance
}

func performanceSteps(p generation.Performance) (int, int) {
	if p == generation.PerformanceQuality {
		return 60, 40
	}
	return 30, 20
}

// deriveParams resolves sampling parameters for req. For upscale requests
// that are answered without diffusion it returns the final outcomes instead.
func (w *Worker) deriveParams(ctx context.Context, req generation.Request) (*params, []generation.Outcome, error) {
	width, height, err := styles.Resolution(req.AspectRatio)
	if err != nil {
		return nil, nil, err
	}
	steps, switchAt := performanceSteps(req.Performance)
	p := &params{
		steps:     steps,
		switchAt:  switchAt,
		width:     width,
		height:    height,
		sampler:   defaultSampler,
		scheduler: defaultScheduler,
		denoise:   1.0,
		loras:     slices.Clone(req.LoRAs),
		cfg:       req.GuidanceScale,
		guidance: engine.Guidance{
			Sharpness:        req.Sharpness,
			AdaptiveCFG:      adaptiveCFG,
			PositiveADMScale: positiveADMScale,
			NegativeADMScale: negativeADMScale,
			ADMScalerEnd:     admScalerEnd,
		},
	}

	switch pl := req.Payload.(type) {
	case nil, generation.TextToImage:
		return p, nil, nil
	case generation.UpscaleOrVary:
		direct, err := w.deriveUpscaleOrVary(ctx, req, pl, p)
		if err != nil {
			return nil, nil, err
		}
		return p, direct, nil
	case generation.InpaintOrOutpaint:
		if err := w.deriveInpaint(ctx, pl, p); err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported request payload %T", req.Payload)
	}
}

func (w *Worker) deriveUpscaleOrVary(ctx context.Context, req generation.Request, pl generation.UpscaleOrVary, p *params) ([]generation.Outcome, error) {
	method := strings.ToLower(pl.Method)
	if !strings.Contains(method, "vary") && !strings.Contains(method, "upscale") {
		return nil, nil
	}
	img, err := imaging.Decode(pl.Image)
	if err != nil {
		return nil, fmt.Errorf("input image: %w", err)
	}

	if strings.Contains(method, "vary") {
		if imaging.IsCanonicalResolution(img, p.width, p.height) {
			log.Debug().Msg("worker: input image already has a generated resolution")
		} else {
			img = imaging.Resize(img, p.width, p.height)
			log.Debug().Int("width", p.width).Int("height", p.height).Msg("worker: input image resolution corrected")
		}
		p.denoise = varyDenoise(method)
		latent, err := w.engine.EncodeImageToLatent(ctx, img, false)
		if err != nil {
			return nil, fmt.Errorf("encode latent: %w", err)
		}
		p.latent = &latent
		p.width, p.height = latent.Width, latent.Height
		return nil, nil
	}

	in := img.Bounds()
	up, err := w.engine.Upscale(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("upscale: %w", err)
	}
	f := upscaleFactor(method)
	targetW, targetH := int(float64(p.width)*f), int(float64(p.height)*f)
	var sized *image.NRGBA
	if imaging.IsCanonicalResolution(up, targetW, targetH) {
		sized = imaging.Resize(up, int(float64(in.Dx())*f), int(float64(in.Dy())*f))
	} else {
		sized = imaging.Resize(up, targetW, targetH)
	}
	b := sized.Bounds()
	superLarge := b.Dx()*b.Dy() > superLargeArea

	if strings.Contains(method, "fast") || superLarge {
		if superLarge {
			log.Info().Int("width", b.Dx()).Int("height", b.Dy()).Msg("worker: upscaled image is too large for diffusion, returning it directly")
		}
		w.recorder.Record(sized, []MetaPair{{Key: "Upscale (Fast)", Value: "2x"}})
		out := make([]generation.Outcome, req.ImageNumber)
		for i := range out {
			out[i] = generation.Outcome{Image: sized, Reason: generation.ReasonSuccess}
		}
		return out, nil
	}

	p.tiled = true
	p.denoise = 1.0 - goldenRatio
	p.steps = int(float64(p.steps) * goldenRatio)
	p.switchAt = int(float64(p.steps) * 0.67)
	latent, err := w.engine.EncodeImageToLatent(ctx, sized, true)
	if err != nil {
		return nil, fmt.Errorf("encode latent: %w", err)
	}
	p.latent = &latent
	p.width, p.height = latent.Width, latent.Height
	return nil, nil
}

func varyDenoise(method string) float64 {
	switch {
	case strings.Contains(method, "subtle"):
		return 0.5
	case strings.Contains(method, "strong"):
		return 0.85
	default:
		return 1.0
	}
}

func upscaleFactor(method string) float64 {
	switch {
	case strings.Contains(method, "1.5x"):
		return 1.5
	case strings.Contains(method, "2x"):
		return 2.0
	default:
		return 1.0
	}
}

func (w *Worker) deriveInpaint(ctx context.Context, pl generation.InpaintOrOutpaint, p *params) error {
	img, err := imaging.Decode(pl.Image)
	if err != nil {
		return fmt.Errorf("input image: %w", err)
	}
	b := img.Bounds()

	var mask *image.Gray
	if len(pl.Mask) > 0 {
		m, err := imaging.Decode(pl.Mask)
		if err != nil {
			return fmt.Errorf("input mask: %w", err)
		}
		mask = imaging.MaskFromImage(m, b.Dx(), b.Dy())
	} else {
		mask = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	}

	var top, bottom, left, right bool
	for _, d := range pl.Outpaint {
		switch strings.ToLower(string(d)) {
		case "top":
			top = true
		case "bottom":
			bottom = true
		case "left":
			left = true
		case "right":
			right = true
		default:
			return fmt.Errorf("unsupported outpaint direction %q", d)
		}
	}

	if len(pl.Outpaint) > 0 {
		pad := imaging.OutpaintPadding(b.Dx(), b.Dy(), top, bottom, left, right)
		img = imaging.PadImage(img, pad)
		mask = imaging.PadMask(mask, pad, 255)
	} else if !imaging.HasMaskedRegion(mask) {
		log.Debug().Msg("worker: inpaint mask is empty, nothing will be repainted")
		mask = image.NewGray(mask.Bounds())
	}

	p.loras = append(p.loras, generation.LoRA{Name: w.inpaintPatchModel, Weight: 1.0})
	latent, err := w.engine.EncodeImageToLatent(ctx, img, false)
	if err != nil {
		return fmt.Errorf("encode latent: %w", err)
	}
	p.latent = &latent
	p.mask = mask
	p.sampler = inpaintSampler
	p.width, p.height = img.Bounds().Dx(), img.Bounds().Dy()
	return nil
}

func (p *params) diffusion(t *subtask) engine.DiffusionParams {
	return engine.DiffusionParams{
		Positive:    t.cond,
		Negative:    t.uncond,
		Steps:       p.steps,
		Switch:      p.switchAt,
		Width:       p.width,
		Height:      p.height,
		Seed:        t.seed,
		Sampler:     p.sampler,
		Scheduler:   p.scheduler,
		Latent:      p.latent,
		InpaintMask: p.mask,
		Denoise:     p.denoise,
		Tiled:       p.tiled,
		CFG:         p.cfg,
		Guidance:    p.guidance,
	}
}
