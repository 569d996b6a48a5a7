package queues

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"imagegen-worker/generation"
	"imagegen-worker/imaging"
)

// MaxImageNumber caps the images a single request may ask for.
const MaxImageNumber = 32

// MaxResultBytes caps an encoded result message, below the 10MB Pub/Sub limit.
const MaxResultBytes = 9 << 20

// ErrResultTooLarge reports a result that can never be published. Retrying
// the request produces the same result, so callers must not redeliver it.
var ErrResultTooLarge = errors.New("result exceeds message size limit")

type LoRA struct {
	ModelName string  `json:"modelName"`
	Weight    float64 `json:"weight"`
}

// GenerationRequest is the message published by callers. Images are base64
// encoded; which of the optional fields apply depends on Kind.
type GenerationRequest struct {
	RequestID      string   `json:"requestId"`
	Kind           string   `json:"kind"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	Styles         []string `json:"styleSelections,omitempty"`
	Performance    string   `json:"performanceSelection,omitempty"`
	AspectRatio    string   `json:"aspectRatiosSelection,omitempty"`
	ImageNumber    int      `json:"imageNumber"`
	ImageSeed      *int64   `json:"imageSeed,omitempty"`
	Sharpness      float64  `json:"sharpness,omitempty"`
	GuidanceScale  float64  `json:"guidanceScale,omitempty"`
	BaseModel      string   `json:"baseModelName,omitempty"`
	RefinerModel   string   `json:"refinerModelName,omitempty"`
	LoRAs          []LoRA   `json:"loras,omitempty"`

	InputImage         string   `json:"inputImage,omitempty"`
	InputMask          string   `json:"inputMask,omitempty"`
	UovMethod          string   `json:"uovMethod,omitempty"`
	OutpaintSelections []string `json:"outpaintSelections,omitempty"`
}

type GenerationStatus string

const (
	StatusSuccess        GenerationStatus = "Success"
	StatusPartialFailure GenerationStatus = "PartialFailure"
	StatusFailure        GenerationStatus = "Failure"
)

type ImageResult struct {
	Index        int     `json:"index"`
	Base64       *string `json:"base64,omitempty"`
	Seed         int64   `json:"seed"`
	FinishReason string  `json:"finishReason"`
}

type GenerationResult struct {
	EnvelopeVersion string           `json:"envelopeVersion"`
	Type            string           `json:"type"`
	RequestID       string           `json:"requestId"`
	Status          GenerationStatus `json:"status"`
	Images          []ImageResult    `json:"images"`
	ErrorMessage    *string          `json:"errorMessage,omitempty"`
	// Part and Parts are set when a result is split across messages.
	Part            int              `json:"part,omitempty"`
	Parts           int              `json:"parts,omitempty"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *GenerationRequest) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *GenerationResult) error
}

// Validate checks the fields every request needs.
func (r *GenerationRequest) Validate() error {
	if r.ImageNumber < 1 || r.ImageNumber > MaxImageNumber {
		return fmt.Errorf("imageNumber must be between 1 and %d, got %d", MaxImageNumber, r.ImageNumber)
	}
	switch generation.Kind(r.Kind) {
	case "", generation.KindTextToImage:
	case generation.KindUpscaleOrVary, generation.KindInpaintOrOutpaint:
		if r.InputImage == "" {
			return fmt.Errorf("inputImage is required for %s", r.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

// ToGeneration converts the wire request into the domain request.
func (r *GenerationRequest) ToGeneration() (generation.Request, error) {
	out := generation.Request{
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Styles:         r.Styles,
		Performance:    generation.Performance(r.Performance),
		AspectRatio:    r.AspectRatio,
		ImageNumber:    r.ImageNumber,
		Seed:           r.ImageSeed,
		Sharpness:      r.Sharpness,
		GuidanceScale:  r.GuidanceScale,
		BaseModel:      r.BaseModel,
		RefinerModel:   r.RefinerModel,
	}
	if out.Performance == "" {
		out.Performance = generation.PerformanceSpeed
	}
	for _, l := range r.LoRAs {
		out.LoRAs = append(out.LoRAs, generation.LoRA{Name: l.ModelName, Weight: l.Weight})
	}

	switch generation.Kind(r.Kind) {
	case "", generation.KindTextToImage:
		out.Payload = generation.TextToImage{}
	case generation.KindUpscaleOrVary:
		img, err := decodeBase64(r.InputImage)
		if err != nil {
			return generation.Request{}, fmt.Errorf("inputImage: %w", err)
		}
		out.Payload = generation.UpscaleOrVary{Image: img, Method: r.UovMethod}
	case generation.KindInpaintOrOutpaint:
		img, err := decodeBase64(r.InputImage)
		if err != nil {
			return generation.Request{}, fmt.Errorf("inputImage: %w", err)
		}
		var mask []byte
		if r.InputMask != "" {
			if mask, err = decodeBase64(r.InputMask); err != nil {
				return generation.Request{}, fmt.Errorf("inputMask: %w", err)
			}
		}
		dirs := make([]generation.Direction, 0, len(r.OutpaintSelections))
		for _, d := range r.OutpaintSelections {
			dirs = append(dirs, generation.Direction(d))
		}
		out.Payload = generation.InpaintOrOutpaint{Image: img, Mask: mask, Outpaint: dirs}
	default:
		return generation.Request{}, fmt.Errorf("unknown kind %q", r.Kind)
	}
	return out, nil
}

// decodeBase64 accepts raw base64 or a data URL.
func decodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// NewGenerationResult builds the result envelope for outcomes. Successful
// images are PNG encoded.
func NewGenerationResult(requestID string, outcomes []generation.Outcome) (*GenerationResult, error) {
	res := &GenerationResult{
		EnvelopeVersion: "1.0",
		Type:            "generation-result",
		RequestID:       requestID,
		Images:          make([]ImageResult, 0, len(outcomes)),
	}
	succeeded := 0
	for i, o := range outcomes {
		ir := ImageResult{Index: i, Seed: o.Seed, FinishReason: string(o.Reason)}
		if o.Reason == generation.ReasonSuccess && o.Image != nil {
			b, err := imaging.EncodePNG(o.Image)
			if err != nil {
				return nil, fmt.Errorf("encode image: %w", err)
			}
			enc := base64.StdEncoding.EncodeToString(b)
			ir.Base64 = &enc
			succeeded++
		}
		res.Images = append(res.Images, ir)
	}
	res.Status = statusOf(succeeded, len(outcomes))
	return res, nil
}

func statusOf(succeeded, total int) GenerationStatus {
	switch {
	case total > 0 && succeeded == total:
		return StatusSuccess
	case succeeded > 0:
		return StatusPartialFailure
	default:
		return StatusFailure
	}
}

// Size returns the length of the JSON encoding of r.
func (r *GenerationResult) Size() (int, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Split returns r itself when it encodes within limit. Otherwise it returns
// one envelope per image, numbered by Part. An image too large to fit in a
// message on its own is replaced by an ERROR entry and the status of every
// part is recomputed.
func (r *GenerationResult) Split(limit int) ([]*GenerationResult, error) {
	n, err := r.Size()
	if err != nil {
		return nil, err
	}
	if n <= limit || len(r.Images) == 0 {
		return []*GenerationResult{r}, nil
	}

	parts := make([]*GenerationResult, 0, len(r.Images))
	succeeded, dropped := 0, 0
	for i, img := range r.Images {
		part := &GenerationResult{
			EnvelopeVersion: r.EnvelopeVersion,
			Type:            r.Type,
			RequestID:       r.RequestID,
			Status:          r.Status,
			Images:          []ImageResult{img},
			ErrorMessage:    r.ErrorMessage,
			Part:            i + 1,
			Parts:           len(r.Images),
		}
		size, err := part.Size()
		if err != nil {
			return nil, err
		}
		if size > limit {
			img.Base64 = nil
			img.FinishReason = string(generation.ReasonError)
			part.Images = []ImageResult{img}
			msg := fmt.Sprintf("image %d: %v (%d bytes)", img.Index, ErrResultTooLarge, size)
			part.ErrorMessage = &msg
			dropped++
		}
		if part.Images[0].Base64 != nil {
			succeeded++
		}
		parts = append(parts, part)
	}
	if dropped > 0 {
		status := statusOf(succeeded, len(r.Images))
		for _, p := range parts {
			p.Status = status
		}
	}
	return parts, nil
}

// NewFailureResult builds an all-error result envelope for n images.
func NewFailureResult(requestID string, n int, message string) *GenerationResult {
	res, _ := NewGenerationResult(requestID, generation.ErrorOutcomes(n))
	res.ErrorMessage = &message
	return res
}
