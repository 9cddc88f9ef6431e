// Package planner splits sanitized text into ordered chunks, each sized for a
// single synthesis request.
package planner

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultWordsPerMinute = 160
	DefaultMaxChars       = 4800 // runes, callers lower it for byte-limited backends
	DefaultMinChars       = 40
	DefaultTargetSeconds  = 30

	minWordsPerChunk = 20
)

// Chunk is a contiguous slice of the input text. Chunks are immutable once
// planned.
type Chunk struct {
	Index             int
	Text              string
	EstimatedDuration time.Duration
}

// Words returns the number of whitespace separated words in the chunk.
func (c Chunk) Words() int {
	return len(strings.Fields(c.Text))
}

// Options controls chunk sizing.
type Options struct {
	// TargetSeconds bounds a chunk by its estimated speaking time. Zero
	// disables the bound and only MaxChars applies.
	TargetSeconds float64
	// MaxChars is the hard ceiling in runes. Whitespace at the edges of a
	// chunk does not count against it.
	MaxChars int
	// MinChars is the smallest final chunk kept on its own; a shorter tail
	// is folded into the chunk before it.
	MinChars int
	// WordsPerMinute is the assumed speaking rate.
	WordsPerMinute int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		TargetSeconds:  DefaultTargetSeconds,
		MaxChars:       DefaultMaxChars,
		MinChars:       DefaultMinChars,
		WordsPerMinute: DefaultWordsPerMinute,
	}
}

func (o Options) normalized() Options {
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.MinChars < 0 {
		o.MinChars = 0
	}
	if o.WordsPerMinute <= 0 {
		o.WordsPerMinute = DefaultWordsPerMinute
	}
	return o
}

func (o Options) wordBudget() int {
	if o.TargetSeconds <= 0 {
		return math.MaxInt
	}
	words := int(float64(o.WordsPerMinute) * o.TargetSeconds / 60)
	return max(minWordsPerChunk, words)
}

// Plan splits text into chunks. Concatenating the Text of the returned chunks
// in order yields text unchanged. Empty or whitespace-only input yields no
// chunks.
func Plan(text string, opts Options) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	opts = opts.normalized()

	var pieces []piece
	for _, sentence := range sentences(tokenize(text)) {
		pieces = append(pieces, splitOversized(sentence, opts.MaxChars)...)
	}

	groups := pack(pieces, opts.MaxChars, opts.wordBudget())
	groups = foldBlank(groups)
	groups = mergeShortTail(groups, opts.MinChars)

	chunks := make([]Chunk, len(groups))
	for i, g := range groups {
		chunks[i] = Chunk{
			Index:             i,
			Text:              g.text,
			EstimatedDuration: EstimateDuration(g.words, opts.WordsPerMinute),
		}
	}
	return chunks
}

// EstimateDuration converts a word count into speaking time.
func EstimateDuration(words, wordsPerMinute int) time.Duration {
	if wordsPerMinute <= 0 {
		wordsPerMinute = DefaultWordsPerMinute
	}
	seconds := float64(words) * 60 / float64(wordsPerMinute)
	return time.Duration(seconds * float64(time.Second))
}

// token is one word together with the whitespace that follows it.
type token struct {
	text     string
	runes    int
	words    int
	boundary bool
}

type piece struct {
	text  string
	runes int
	words int
}

func (p *piece) add(text string, runes, words int) {
	p.text += text
	p.runes += runes
	p.words += words
}

func newToken(s string) token {
	word := strings.TrimRightFunc(s, unicode.IsSpace)
	trailing := s[len(word):]
	return token{
		text:     s,
		runes:    utf8.RuneCountInString(s),
		words:    len(strings.Fields(s)),
		boundary: endsSentence(word) || strings.Count(trailing, "\n") >= 2,
	}
}

// tokenize cuts text before every word that follows whitespace. Leading
// whitespace stays with the first word.
func tokenize(text string) []token {
	var tokens []token
	start := 0
	seenWord, prevSpace := false, false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && prevSpace && seenWord {
			tokens = append(tokens, newToken(text[start:i]))
			start = i
		}
		if !space {
			seenWord = true
		}
		prevSpace = space
	}
	if start < len(text) {
		tokens = append(tokens, newToken(text[start:]))
	}
	return tokens
}

const closers = "\"'”’»)]"

func endsSentence(word string) bool {
	word = strings.TrimRight(word, closers)
	if word == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(word)
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// sentences groups tokens into sentence or paragraph units.
func sentences(tokens []token) [][]token {
	var out [][]token
	var cur []token
	for _, t := range tokens {
		cur = append(cur, t)
		if t.boundary {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// splitOversized packs a sentence into pieces no longer than maxChars,
// breaking at the last whitespace before the limit. A single word longer
// than the limit is cut at exactly maxChars runes.
func splitOversized(tokens []token, maxChars int) []piece {
	var out []piece
	var cur piece
	for _, t := range tokens {
		for t.runes > maxChars {
			head, rest := cutRunes(t.text, maxChars)
			if cur.runes > 0 {
				out = append(out, cur)
				cur = piece{}
			}
			out = append(out, piece{text: head, runes: maxChars, words: len(strings.Fields(head))})
			t = newToken(rest)
		}
		if cur.runes > 0 && cur.runes+t.runes > maxChars {
			out = append(out, cur)
			cur = piece{}
		}
		cur.add(t.text, t.runes, t.words)
	}
	if cur.runes > 0 {
		out = append(out, cur)
	}
	return out
}

func cutRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}

// pack greedily fills chunks up to the character ceiling and word budget.
func pack(pieces []piece, maxChars, wordBudget int) []piece {
	var out []piece
	var cur piece
	for _, p := range pieces {
		if cur.runes > 0 && (cur.runes+p.runes > maxChars || cur.words+p.words > wordBudget) {
			out = append(out, cur)
			cur = piece{}
		}
		cur.add(p.text, p.runes, p.words)
	}
	if cur.runes > 0 {
		out = append(out, cur)
	}
	return out
}

// foldBlank attaches whitespace-only groups to a neighbour. Cutting inside a
// long run of whitespace can leave nothing to speak on one side of the cut.
func foldBlank(groups []piece) []piece {
	out := groups[:0:0]
	var lead piece
	for _, g := range groups {
		switch {
		case g.words > 0 && lead.runes > 0:
			lead.add(g.text, g.runes, g.words)
			out = append(out, lead)
			lead = piece{}
		case g.words > 0:
			out = append(out, g)
		case len(out) > 0:
			out[len(out)-1].add(g.text, g.runes, g.words)
		default:
			lead.add(g.text, g.runes, g.words)
		}
	}
	if lead.runes > 0 {
		out = append(out, lead)
	}
	return out
}

func mergeShortTail(groups []piece, minChars int) []piece {
	if len(groups) < 2 {
		return groups
	}
	last := groups[len(groups)-1]
	if utf8.RuneCountInString(strings.TrimSpace(last.text)) >= minChars {
		return groups
	}
	groups = groups[:len(groups)-1]
	groups[len(groups)-1].add(last.text, last.runes, last.words)
	return groups
}
