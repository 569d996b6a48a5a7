package worker

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"imagegen-worker/engine"
	"imagegen-worker/generation"
	"imagegen-worker/styles"
	"imagegen-worker/taskqueue"

	"github.com/stretchr/testify/require"
)

// fakeEngine records every call and returns canned results.
type fakeEngine struct {
	mu sync.Mutex

	calls     []string
	switched  [][]generation.LoRA
	conds     [][]string
	topKs     []int
	diffusion []engine.DiffusionParams
	latentIn  []image.Image
	tiledIn   []bool

	// runErrs maps a RunDiffusion call index to the error it returns.
	runErrs    map[int]error
	noImages   map[int]bool
	panicOnRun bool
	runDelay   time.Duration
	switchErr  error
	upscaled   image.Image
	expandWith string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeEngine) SwitchModels(ctx context.Context, base, refiner string, loras []generation.LoRA) error {
	f.record("SwitchModels")
	f.mu.Lock()
	f.switched = append(f.switched, loras)
	f.mu.Unlock()
	return f.switchErr
}

func (f *fakeEngine) EncodeConditioning(ctx context.Context, texts []string, topK int) (engine.Conditioning, error) {
	f.record("EncodeConditioning")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conds = append(f.conds, append([]string(nil), texts...))
	f.topKs = append(f.topKs, topK)
	return engine.Conditioning(texts[0]), nil
}

func (f *fakeEngine) RunDiffusion(ctx context.Context, p engine.DiffusionParams) ([]image.Image, error) {
	f.record("RunDiffusion")
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.panicOnRun {
		panic("sampler crashed")
	}
	if f.runDelay > 0 {
		time.Sleep(f.runDelay)
	}

	f.mu.Lock()
	idx := len(f.diffusion)
	f.diffusion = append(f.diffusion, p)
	err := f.runErrs[idx]
	empty := f.noImages[idx]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}
	return []image.Image{image.NewNRGBA(image.Rect(0, 0, 8, 8))}, nil
}

func (f *fakeEngine) EncodeImageToLatent(ctx context.Context, pixels image.Image, tiled bool) (engine.Latent, error) {
	f.record("EncodeImageToLatent")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latentIn = append(f.latentIn, pixels)
	f.tiledIn = append(f.tiledIn, tiled)
	b := pixels.Bounds()
	return engine.Latent{Ref: "latent", Width: b.Dx(), Height: b.Dy()}, nil
}

func (f *fakeEngine) Upscale(ctx context.Context, pixels image.Image) (image.Image, error) {
	f.record("Upscale")
	if f.upscaled != nil {
		return f.upscaled, nil
	}
	b := pixels.Bounds()
	return image.NewNRGBA(image.Rect(0, 0, b.Dx()*2, b.Dy()*2)), nil
}

func (f *fakeEngine) ExpandPrompt(ctx context.Context, prompt string, seed int64) (string, error) {
	f.record("ExpandPrompt")
	return f.expandWith, nil
}

type recorded struct {
	img  image.Image
	meta []MetaPair
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recorded
}

func (r *fakeRecorder) Record(img image.Image, meta []MetaPair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recorded{img: img, meta: meta})
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func newTestWorker(t *testing.T, capacity int, fe *fakeEngine) (*Worker, *taskqueue.QueueManager, *fakeRecorder) {
	t.Helper()
	lib, err := styles.Load("")
	require.NoError(t, err)
	q := taskqueue.NewQueueManager(capacity, 100)
	rec := &fakeRecorder{}
	w := NewWorker(q, fe, lib, rec, Options{
		PollInterval: time.Millisecond,
		RandomSeed:   func() int64 { return 1000 },
	})
	return w, q, rec
}

func metaValue(pairs []MetaPair, key string) (string, bool) {
	for _, p := range pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}
