// Package styles resolves style presets and aspect ratios named in requests.
package styles

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Expansion is the style name that enables per-image prompt expansion
// instead of applying a template.
const Expansion = "Fooocus V2"

const DefaultAspectRatio = "1152×896"

//go:embed presets.yaml
var defaultPresetsYAML []byte

type Style struct {
	Name           string `yaml:"name"`
	Prompt         string `yaml:"prompt"`
	NegativePrompt string `yaml:"negative_prompt"`
}

type presetFile struct {
	Styles []Style `yaml:"styles"`
}

// Library is a read-only set of style presets keyed by name.
type Library struct {
	styles map[string]Style
	order  []string
}

// Load returns the embedded presets, extended or overridden by the presets
// in path when path is not empty.
func Load(path string) (*Library, error) {
	lib, err := Parse(defaultPresetsYAML)
	if err != nil {
		return nil, fmt.Errorf("styles: embedded presets: %w", err)
	}
	if path == "" {
		return lib, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("styles: read %s: %w", path, err)
	}
	extra, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("styles: %s: %w", path, err)
	}
	for _, name := range extra.order {
		lib.add(extra.styles[name])
	}
	return lib, nil
}

// Parse decodes a presets document.
func Parse(b []byte) (*Library, error) {
	var f presetFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	lib := &Library{styles: make(map[string]Style, len(f.Styles))}
	for _, s := range f.Styles {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, fmt.Errorf("style without a name")
		}
		lib.add(s)
	}
	return lib, nil
}

func (l *Library) add(s Style) {
	if _, exists := l.styles[s.Name]; !exists {
		l.order = append(l.order, s.Name)
	}
	l.styles[s.Name] = s
}

// Names lists the known styles in definition order.
func (l *Library) Names() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

func (l *Library) Has(name string) bool {
	_, ok := l.styles[name]
	return ok
}

// Apply renders the named style around prompt and returns the positive and
// negative texts.
func (l *Library) Apply(name, prompt string) (string, string, error) {
	s, ok := l.styles[name]
	if !ok {
		return "", "", fmt.Errorf("styles: unknown style %q", name)
	}
	return strings.ReplaceAll(s.Prompt, "{prompt}", prompt), s.NegativePrompt, nil
}

var aspectRatios = []string{
	"704×1408", "704×1344", "768×1344", "768×1280", "832×1216", "832×1152",
	"896×1152", "896×1088", "960×1088", "960×1024", "1024×1024", "1024×960",
	"1088×960", "1088×896", "1152×896", "1152×832", "1216×832", "1280×768",
	"1344×768", "1344×704", "1408×704", "1472×704", "1536×640", "1600×640",
	"1664×576", "1728×576",
}

var aspectRatioSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(aspectRatios))
	for _, r := range aspectRatios {
		set[r] = struct{}{}
	}
	return set
}()

// AspectRatios returns the supported resolution names.
func AspectRatios() []string {
	out := make([]string, len(aspectRatios))
	copy(out, aspectRatios)
	return out
}

// Resolution looks up a named aspect ratio such as "1152×896" (an ASCII "*"
// is accepted in place of "×") and returns width and height.
func Resolution(name string) (int, int, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(name), "*", "×")
	if normalized == "" {
		normalized = DefaultAspectRatio
	}
	if _, ok := aspectRatioSet[normalized]; !ok {
		return 0, 0, fmt.Errorf("styles: unsupported aspect ratio %q", name)
	}
	w, h, _ := strings.Cut(normalized, "×")
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, err
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}
