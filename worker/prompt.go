package worker

import (
	"strings"

	"imagegen-worker/generation"
	"imagegen-worker/styles"

	"golang.org/x/text/unicode/norm"
)

// maxSeed bounds base seeds to [0, 2^30).
const maxSeed = 1 << 30

// workloads are the positive and negative text sets shared by every subtask
// of a ticket, before per-image expansion.
type workloads struct {
	prompt         string
	negativePrompt string
	positive       []string
	negative       []string
	positiveTopK   int
	negativeTopK   int
	expand         bool
}

func normalizePrompts(req generation.Request, lib *styles.Library) (workloads, error) {
	prompts := removeEmpty(splitPrompt(req.Prompt), "")
	negatives := removeEmpty(splitPrompt(req.NegativePrompt), "")

	wl := workloads{
		prompt:         prompts[0],
		negativePrompt: negatives[0],
	}

	active := make([]string, 0, len(req.Styles))
	for _, s := range req.Styles {
		if s == styles.Expansion {
			wl.expand = true
			continue
		}
		active = append(active, s)
	}

	if len(active) == 0 {
		wl.positive = append(wl.positive, wl.prompt)
	} else {
		for _, s := range active {
			pos, neg, err := lib.Apply(s, wl.prompt)
			if err != nil {
				return workloads{}, err
			}
			wl.positive = append(wl.positive, pos)
			wl.negative = append(wl.negative, neg)
		}
	}

	wl.positive = removeEmpty(append(wl.positive, prompts[1:]...), wl.prompt)
	wl.negative = removeEmpty(append(wl.negative, negatives[1:]...), wl.negativePrompt)
	wl.positiveTopK = len(wl.positive)
	wl.negativeTopK = len(wl.negative)
	return wl, nil
}

// splitPrompt breaks text into cleaned lines; empty lines are kept.
func splitPrompt(text string) []string {
	lines := strings.Split(norm.NFC.String(text), "\n")
	for i, l := range lines {
		lines[i] = safeStr(l)
	}
	return lines
}

// safeStr collapses repeated spaces and trims separators from both ends.
func safeStr(s string) string {
	for i := 0; i < 16 && strings.Contains(s, "  "); i++ {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return strings.Trim(s, ",. \r\n")
}

// removeEmpty drops empty items; if nothing remains the result is [def].
func removeEmpty(items []string, def string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return []string{def}
	}
	return out
}

func joinPrompts(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}

// coerceSeed returns the batch base seed: the requested seed made
// non-negative and reduced modulo 2^30, or a random draw when none was given.
func coerceSeed(seed *int64, random func() int64) int64 {
	var s int64
	if seed != nil {
		s = *seed
	} else {
		s = random()
	}
	if s < 0 {
		s = -s
	}
	s %= maxSeed
	if s < 0 {
		return 0
	}
	return s
}
