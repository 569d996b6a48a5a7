package styles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Embedded(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)

	names := lib.Names()
	require.NotEmpty(t, names)
	assert.Equal(t, "Default (Slightly Cinematic)", names[0])
	assert.True(t, lib.Has("SAI Anime"))
	assert.False(t, lib.Has(Expansion))
}

func TestLoad_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "styles.yaml")
	doc := `styles:
  - name: SAI Anime
    prompt: "manga {prompt}"
    negative_prompt: "photo"
  - name: Watercolor
    prompt: "watercolor painting of {prompt}"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	lib, err := Load(path)
	require.NoError(t, err)

	pos, neg, err := lib.Apply("SAI Anime", "a fox")
	require.NoError(t, err)
	assert.Equal(t, "manga a fox", pos)
	assert.Equal(t, "photo", neg)

	names := lib.Names()
	assert.Equal(t, "Watercolor", names[len(names)-1])
	pos, neg, err = lib.Apply("Watercolor", "a fox")
	require.NoError(t, err)
	assert.Equal(t, "watercolor painting of a fox", pos)
	assert.Empty(t, neg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("styles:\n  - prompt: \"{prompt}\"\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLibrary_ApplyUnknown(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	_, _, err = lib.Apply("Nope", "x")
	assert.Error(t, err)
}

func TestResolution(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantWidth  int
		wantHeight int
		wantErr    bool
	}{
		{name: "default", in: "", wantWidth: 1152, wantHeight: 896},
		{name: "multiplication sign", in: "1024×1024", wantWidth: 1024, wantHeight: 1024},
		{name: "ascii star", in: " 704*1408 ", wantWidth: 704, wantHeight: 1408},
		{name: "unsupported", in: "1000×1000", wantErr: true},
		{name: "garbage", in: "wide", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := Resolution(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantWidth, w)
			assert.Equal(t, tt.wantHeight, h)
		})
	}
}

func TestAspectRatiosAreResolvable(t *testing.T) {
	ratios := AspectRatios()
	assert.Len(t, ratios, 26)
	for _, r := range ratios {
		_, _, err := Resolution(r)
		assert.NoError(t, err, r)
	}
	ratios[0] = "mutated"
	assert.NotEqual(t, "mutated", AspectRatios()[0])
}
