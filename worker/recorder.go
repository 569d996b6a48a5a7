package worker

import (
	"fmt"
	"image"
	"strings"

	"imagegen-worker/generation"

	"github.com/rs/zerolog/log"
)

type MetaPair struct {
	Key   string
	Value string
}

// Recorder receives every generated image with its metadata. Implementations
// must not block the caller for long and cannot fail the job.
type Recorder interface {
	Record(img image.Image, meta []MetaPair)
}

// LogRecorder writes a structured log line per image.
type LogRecorder struct{}

func (LogRecorder) Record(img image.Image, meta []MetaPair) {
	ev := log.Info()
	if img != nil {
		b := img.Bounds()
		ev = ev.Int("width", b.Dx()).Int("height", b.Dy())
	}
	dict := make(map[string]string, len(meta))
	for _, m := range meta {
		dict[m.Key] = m.Value
	}
	ev.Interface("metadata", dict).Msg("worker: image generated")
}

func imageMetadata(req generation.Request, p *params, t *subtask) []MetaPair {
	meta := []MetaPair{
		{"Prompt", req.Prompt},
		{"Negative Prompt", req.NegativePrompt},
		{"Fooocus V2 Expansion", t.expansion},
		{"Styles", styleList(req.Styles)},
		{"Performance", string(req.Performance)},
		{"Resolution", fmt.Sprintf("(%d, %d)", p.width, p.height)},
		{"Sharpness", fmt.Sprint(req.Sharpness)},
		{"Guidance Scale", fmt.Sprint(req.GuidanceScale)},
		{"ADM Guidance", fmt.Sprintf("(%v, %v)", positiveADMScale, negativeADMScale)},
		{"Base Model", req.BaseModel},
		{"Refiner Model", req.RefinerModel},
		{"Sampler", p.sampler},
		{"Scheduler", p.scheduler},
		{"Seed", fmt.Sprint(t.seed)},
	}
	for _, l := range req.LoRAs {
		if l.Name != "None" {
			meta = append(meta, MetaPair{fmt.Sprintf("LoRA [%s] weight", l.Name), fmt.Sprint(l.Weight)})
		}
	}
	return meta
}

// styleList renders names as a list literal with quoted elements, for
// example ['Fooocus V2', 'SAI Anime'].
func styleList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		if strings.Contains(n, "'") && !strings.Contains(n, `"`) {
			quoted[i] = `"` + strings.ReplaceAll(n, `\`, `\\`) + `"`
			continue
		}
		r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
		quoted[i] = "'" + r.Replace(n) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
