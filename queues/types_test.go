package queues

import (
	"encoding/base64"
	"encoding/json"
	"image"
	"reflect"
	"strings"
	"testing"

	"imagegen-worker/generation"
)

func TestGenerationRequest_ToGeneration(t *testing.T) {
	raw := []byte{1, 2, 3}
	enc := base64.StdEncoding.EncodeToString(raw)
	seed := int64(42)

	tests := []struct {
		name     string
		in       GenerationRequest
		wantKind generation.Kind
		check    func(t *testing.T, r generation.Request)
	}{
		{
			name:     "text to image defaults",
			in:       GenerationRequest{Prompt: "a cat", ImageNumber: 2, ImageSeed: &seed, LoRAs: []LoRA{{ModelName: "l1", Weight: 0.5}}},
			wantKind: generation.KindTextToImage,
			check: func(t *testing.T, r generation.Request) {
				if r.Performance != generation.PerformanceSpeed {
					t.Errorf("Performance got=%#v", r.Performance)
				}
				if r.Seed == nil || *r.Seed != 42 {
					t.Errorf("Seed got=%#v", r.Seed)
				}
				if !reflect.DeepEqual(r.LoRAs, []generation.LoRA{{Name: "l1", Weight: 0.5}}) {
					t.Errorf("LoRAs got=%#v", r.LoRAs)
				}
			},
		},
		{
			name:     "upscale or vary",
			in:       GenerationRequest{Kind: string(generation.KindUpscaleOrVary), ImageNumber: 1, InputImage: enc, UovMethod: generation.MethodVarySubtle},
			wantKind: generation.KindUpscaleOrVary,
			check: func(t *testing.T, r generation.Request) {
				p := r.Payload.(generation.UpscaleOrVary)
				if !reflect.DeepEqual(p.Image, raw) || p.Method != generation.MethodVarySubtle {
					t.Errorf("payload got=%#v", p)
				}
			},
		},
		{
			name:     "inpaint with data url mask",
			in:       GenerationRequest{Kind: string(generation.KindInpaintOrOutpaint), ImageNumber: 1, InputImage: enc, InputMask: "data:image/png;base64," + enc, OutpaintSelections: []string{"Left", "Top"}},
			wantKind: generation.KindInpaintOrOutpaint,
			check: func(t *testing.T, r generation.Request) {
				p := r.Payload.(generation.InpaintOrOutpaint)
				if !reflect.DeepEqual(p.Mask, raw) {
					t.Errorf("mask got=%#v", p.Mask)
				}
				if !reflect.DeepEqual(p.Outpaint, []generation.Direction{generation.DirectionLeft, generation.DirectionTop}) {
					t.Errorf("outpaint got=%#v", p.Outpaint)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.in.Validate(); err != nil {
				t.Fatalf("Validate() err: %#v", err)
			}
			got, err := tt.in.ToGeneration()
			if err != nil {
				t.Fatalf("ToGeneration() err: %#v", err)
			}
			if got.Kind() != tt.wantKind {
				t.Errorf("Kind() got=%#v want=%#v", got.Kind(), tt.wantKind)
			}
			tt.check(t, got)
		})
	}
}

func TestGenerationRequest_ToGenerationBadImage(t *testing.T) {
	in := GenerationRequest{Kind: string(generation.KindUpscaleOrVary), ImageNumber: 1, InputImage: "not base64!"}
	if _, err := in.ToGeneration(); err == nil {
		t.Errorf("ToGeneration() expected error for invalid base64")
	}
}

func TestNewGenerationResult(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	tests := []struct {
		name       string
		outcomes   []generation.Outcome
		wantStatus GenerationStatus
		wantImages int
	}{
		{"all success", []generation.Outcome{{Image: img, Seed: 1, Reason: generation.ReasonSuccess}}, StatusSuccess, 1},
		{"partial", []generation.Outcome{{Image: img, Seed: 1, Reason: generation.ReasonSuccess}, {Seed: 2, Reason: generation.ReasonError}}, StatusPartialFailure, 1},
		{"queue full", generation.QueueFullOutcomes(2), StatusFailure, 0},
		{"empty", nil, StatusFailure, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewGenerationResult("r1", tt.outcomes)
			if err != nil {
				t.Fatalf("NewGenerationResult() err: %#v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("Status got=%#v want=%#v", res.Status, tt.wantStatus)
			}
			encoded := 0
			for i, ir := range res.Images {
				if ir.FinishReason != string(tt.outcomes[i].Reason) || ir.Seed != tt.outcomes[i].Seed {
					t.Errorf("image %d got=%#v", i, ir)
				}
				if ir.Base64 != nil {
					encoded++
				}
			}
			if encoded != tt.wantImages {
				t.Errorf("encoded images got=%d want=%d", encoded, tt.wantImages)
			}
			if _, err := json.Marshal(res); err != nil {
				t.Errorf("marshal err: %#v", err)
			}
		})
	}
}

func TestNewFailureResult(t *testing.T) {
	res := NewFailureResult("r9", 3, "engine down")
	if res.Status != StatusFailure || res.ErrorMessage == nil || *res.ErrorMessage != "engine down" {
		t.Errorf("NewFailureResult() got=%#v", res)
	}
	if len(res.Images) != 3 {
		t.Fatalf("images got=%d want=3", len(res.Images))
	}
	for _, ir := range res.Images {
		if ir.FinishReason != string(generation.ReasonError) {
			t.Errorf("finish reason got=%#v", ir.FinishReason)
		}
	}
}

func noisyImage(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	x := uint32(2463534242)
	for i := range img.Pix {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		img.Pix[i] = byte(x)
	}
	return img
}

func TestGenerationResult_Split(t *testing.T) {
	img := noisyImage(64)
	outcomes := []generation.Outcome{
		{Image: img, Seed: 1, Reason: generation.ReasonSuccess},
		{Image: img, Seed: 2, Reason: generation.ReasonSuccess},
		{Seed: 3, Reason: generation.ReasonUserCancel},
	}
	res, err := NewGenerationResult("r1", outcomes)
	if err != nil {
		t.Fatalf("NewGenerationResult() err: %#v", err)
	}
	whole, err := res.Size()
	if err != nil {
		t.Fatalf("Size() err: %#v", err)
	}

	tests := []struct {
		name        string
		limit       int
		wantParts   int
		wantStatus  GenerationStatus
		wantEncoded int
	}{
		{name: "fits", limit: whole, wantParts: 1, wantStatus: StatusPartialFailure, wantEncoded: 2},
		{name: "one image per message", limit: whole - 1, wantParts: 3, wantStatus: StatusPartialFailure, wantEncoded: 2},
		{name: "images dropped", limit: 1000, wantParts: 3, wantStatus: StatusFailure, wantEncoded: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := res.Split(tt.limit)
			if err != nil {
				t.Fatalf("Split() err: %#v", err)
			}
			if len(parts) != tt.wantParts {
				t.Fatalf("parts got=%d want=%d", len(parts), tt.wantParts)
			}
			encoded := 0
			for i, p := range parts {
				if p.RequestID != "r1" || p.Status != tt.wantStatus {
					t.Errorf("part %d got=%#v", i, p)
				}
				if tt.wantParts > 1 {
					if p.Part != i+1 || p.Parts != tt.wantParts || len(p.Images) != 1 || p.Images[0].Index != i {
						t.Errorf("part %d numbering got=%#v", i, p)
					}
				}
				for _, ir := range p.Images {
					if ir.Base64 != nil {
						encoded++
					}
				}
			}
			if encoded != tt.wantEncoded {
				t.Errorf("encoded images got=%d want=%d", encoded, tt.wantEncoded)
			}
		})
	}
}

func TestGenerationResult_SplitMarksDroppedImages(t *testing.T) {
	img := noisyImage(64)
	res, err := NewGenerationResult("r2", []generation.Outcome{{Image: img, Seed: 5, Reason: generation.ReasonSuccess}})
	if err != nil {
		t.Fatalf("NewGenerationResult() err: %#v", err)
	}
	parts, err := res.Split(1000)
	if err != nil {
		t.Fatalf("Split() err: %#v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("parts got=%d want=1", len(parts))
	}
	got := parts[0]
	if got.Images[0].Base64 != nil || got.Images[0].FinishReason != string(generation.ReasonError) || got.Images[0].Seed != 5 {
		t.Errorf("image got=%#v", got.Images[0])
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, ErrResultTooLarge.Error()) {
		t.Errorf("errorMessage got=%#v", got.ErrorMessage)
	}
	if res.Images[0].Base64 == nil {
		t.Errorf("Split() modified the source result")
	}
}
