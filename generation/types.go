package generation

import (
	"image"
	"slices"
)

// Kind identifies which request variant a job carries
type Kind string

const (
	KindTextToImage       Kind = "text-to-image"
	KindUpscaleOrVary     Kind = "image-variation-or-upscale"
	KindInpaintOrOutpaint Kind = "inpaint-or-outpaint"
)

type Performance string

const (
	PerformanceSpeed   Performance = "Speed"
	PerformanceQuality Performance = "Quality"
)

// Upscale/vary method names as accepted on the wire.
const (
	MethodDisabled      = "Disabled"
	MethodVarySubtle    = "Vary (Subtle)"
	MethodVaryStrong    = "Vary (Strong)"
	MethodUpscale15     = "Upscale (1.5x)"
	MethodUpscale2      = "Upscale (2x)"
	MethodUpscaleFast2x = "Upscale (Fast 2x)"
)

type Direction string

const (
	DirectionTop    Direction = "Top"
	DirectionBottom Direction = "Bottom"
	DirectionLeft   Direction = "Left"
	DirectionRight  Direction = "Right"
)

type LoRA struct {
	Name   string
	Weight float64
}

// Payload is the kind-specific part of a request. The set of
// implementations is closed: TextToImage, UpscaleOrVary, InpaintOrOutpaint.
type Payload interface {
	Kind() Kind
	clone() Payload
}

type TextToImage struct{}

func (TextToImage) Kind() Kind { return KindTextToImage }
func (TextToImage) clone() Payload { return TextToImage{} }

type UpscaleOrVary struct {
	Image  []byte
	Method string
}

func (UpscaleOrVary) Kind() Kind { return KindUpscaleOrVary }

func (p UpscaleOrVary) clone() Payload {
	return UpscaleOrVary{Image: slices.Clone(p.Image), Method: p.Method}
}

type InpaintOrOutpaint struct {
	Image    []byte
	Mask     []byte // optional; red channel > 127 marks the region to repaint
	Outpaint []Direction
}

func (InpaintOrOutpaint) Kind() Kind { return KindInpaintOrOutpaint }

func (p InpaintOrOutpaint) clone() Payload {
	return InpaintOrOutpaint{
		Image:    slices.Clone(p.Image),
		Mask:     slices.Clone(p.Mask),
		Outpaint: slices.Clone(p.Outpaint),
	}
}

// Request is one caller submission: common generation parameters plus a
// kind-specific payload.
type Request struct {
	Prompt         string
	NegativePrompt string
	Styles         []string
	Performance    Performance
	AspectRatio    string
	ImageNumber    int
	Seed           *int64 // nil draws a random base seed
	Sharpness      float64
	GuidanceScale  float64
	BaseModel      string
	RefinerModel   string
	LoRAs          []LoRA
	Payload        Payload
}

// Kind returns the kind of the request payload, defaulting to text-to-image.
func (r Request) Kind() Kind {
	if r.Payload == nil {
		return KindTextToImage
	}
	return r.Payload.Kind()
}

// Clone returns a deep copy that shares no mutable memory with r.
func (r Request) Clone() Request {
	out := r
	out.Styles = slices.Clone(r.Styles)
	out.LoRAs = slices.Clone(r.LoRAs)
	if r.Seed != nil {
		seed := *r.Seed
		out.Seed = &seed
	}
	if r.Payload != nil {
		out.Payload = r.Payload.clone()
	}
	return out
}

// Reason is why a single image finished the way it did
type Reason string

const (
	ReasonSuccess    Reason = "SUCCESS"
	ReasonQueueFull  Reason = "QUEUE_IS_FULL"
	ReasonUserCancel Reason = "USER_CANCEL"
	ReasonError      Reason = "ERROR"
)

// Outcome is the result for one requested image.
type Outcome struct {
	Image  image.Image
	Seed   int64
	Reason Reason
}

// QueueFullOutcomes builds the rejection result for a request of n images.
func QueueFullOutcomes(n int) []Outcome {
	out := make([]Outcome, n)
	for i := range out {
		out[i] = Outcome{Reason: ReasonQueueFull}
	}
	return out
}

// ErrorOutcomes builds an all-error result for a request of n images.
func ErrorOutcomes(n int) []Outcome {
	out := make([]Outcome, n)
	for i := range out {
		out[i] = Outcome{Reason: ReasonError}
	}
	return out
}
