// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chunker

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/poiesic/docingest/core"
)

// Strategy selects how text is split.
type Strategy string

const (
	StrategyRecursive Strategy = "recursive"
	StrategyFixed     Strategy = "fixed"
)

const (
	DefaultMaxChunkSize = 1000
	DefaultOverlap      = 200
)

// ErrInvalidConfig is returned for unusable chunking settings.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Config holds the chunking settings.
type Config struct {
	// MaxChunkSize bounds a chunk's length, overlap included.
	MaxChunkSize int `toml:"max_chunk_size"`
	// Overlap is how many runes a chunk repeats from before its core span.
	Overlap int `toml:"chunk_overlap"`
	// Strategy is recursive or fixed.
	Strategy Strategy `toml:"split_strategy"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize: DefaultMaxChunkSize,
		Overlap:      DefaultOverlap,
		Strategy:     StrategyRecursive,
	}
}

// Validate checks the settings. Overlap must leave room for at least one
// new rune per chunk.
func (c Config) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("%w: max chunk size must be positive, got %d", ErrInvalidConfig, c.MaxChunkSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfig, c.Overlap)
	}
	if c.Overlap >= c.MaxChunkSize {
		return fmt.Errorf("%w: overlap %d must be smaller than max chunk size %d", ErrInvalidConfig, c.Overlap, c.MaxChunkSize)
	}
	switch c.Strategy {
	case StrategyRecursive, StrategyFixed:
	default:
		return fmt.Errorf("%w: unknown split strategy %q", ErrInvalidConfig, c.Strategy)
	}
	return nil
}

// budget is the longest core span a chunk may own.
func (c Config) budget() int {
	return c.MaxChunkSize - c.Overlap
}

type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// Chunk splits text. Non-empty text always yields at least one chunk.
func Chunk(text string, cfg Config) ([]core.Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	var pieces []span
	whole := span{0, len(runes)}
	switch cfg.Strategy {
	case StrategyFixed:
		pieces = hardCut(whole, cfg.budget())
	default:
		pieces = merge(split(runes, whole, levelParagraph, cfg.budget()), cfg.budget())
	}

	chunks := make([]core.Chunk, len(pieces))
	for i, p := range pieces {
		start := max(0, p.start-cfg.Overlap)
		chunks[i] = core.Chunk{
			Position:      i,
			Text:          string(runes[start:p.end]),
			Start:         start,
			End:           p.end,
			OverlapStart:  p.start,
			TokenEstimate: EstimateTokens(p.end - start),
		}
	}
	return chunks, nil
}

// Reconstruct concatenates the chunks' core spans, dropping the overlap.
func Reconstruct(chunks []core.Chunk) string {
	var out []rune
	for _, c := range chunks {
		out = append(out, []rune(c.Text)[c.OverlapLength():]...)
	}
	return string(out)
}

// EstimateTokens approximates the token count of n runes.
func EstimateTokens(n int) int {
	return (n + 3) / 4
}

type level int

const (
	levelParagraph level = iota
	levelSentence
	levelHard
)

// split breaks s into pieces no longer than budget, using the finest
// level that works and falling through to coarser cuts only for units
// that are still too long.
func split(runes []rune, s span, lvl level, budget int) []span {
	if s.len() <= budget {
		return []span{s}
	}
	if lvl == levelHard {
		return hardCut(s, budget)
	}

	var units []span
	if lvl == levelParagraph {
		units = paragraphs(runes, s)
	} else {
		units = sentences(runes, s)
	}

	var out []span
	for _, u := range units {
		if u.len() > budget {
			out = append(out, split(runes, u, lvl+1, budget)...)
			continue
		}
		out = append(out, u)
	}
	return out
}

// merge packs consecutive pieces greedily up to budget.
func merge(pieces []span, budget int) []span {
	var out []span
	for _, p := range pieces {
		if n := len(out); n > 0 && out[n-1].len()+p.len() <= budget {
			out[n-1].end = p.end
			continue
		}
		out = append(out, p)
	}
	return out
}

func hardCut(s span, budget int) []span {
	var out []span
	for start := s.start; start < s.end; start += budget {
		out = append(out, span{start, min(start+budget, s.end)})
	}
	return out
}

// paragraphs splits after every run of two or more newlines. The
// separator stays with the preceding paragraph.
func paragraphs(runes []rune, s span) []span {
	var out []span
	start := s.start
	for i := s.start; i < s.end; {
		if runes[i] != '\n' {
			i++
			continue
		}
		j := i
		for j < s.end && runes[j] == '\n' {
			j++
		}
		if j-i >= 2 && j < s.end {
			out = append(out, span{start, j})
			start = j
		}
		i = j
	}
	return append(out, span{start, s.end})
}

// sentences splits after terminal punctuation followed by whitespace,
// and after line breaks. Trailing whitespace stays with the sentence.
func sentences(runes []rune, s span) []span {
	var out []span
	start := s.start
	for i := s.start; i < s.end; i++ {
		r := runes[i]
		boundary := false
		switch {
		case r == '\n':
			boundary = true
		case r == '.' || r == '!' || r == '?':
			boundary = i+1 < s.end && unicode.IsSpace(runes[i+1])
		}
		if !boundary {
			continue
		}
		j := i + 1
		for j < s.end && unicode.IsSpace(runes[j]) {
			j++
		}
		if j < s.end {
			out = append(out, span{start, j})
			start = j
		}
		i = j - 1
	}
	return append(out, span{start, s.end})
}
