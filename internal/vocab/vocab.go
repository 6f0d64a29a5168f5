// Package vocab maps decoder token ids to text and cleans up the result.
package vocab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samcharles93/ocrkit/internal/inference"
)

var ErrEmpty = errors.New("vocab: no tokens")

// Vocabulary is an id-indexed token table. It is read-only after Load.
type Vocabulary struct {
	tokens []string
}

// Load reads one token per line; line n is token id n.
func Load(r io.Reader) (*Vocabulary, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var tokens []string
	for sc.Scan() {
		tokens = append(tokens, strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vocab: read: %w", err)
	}
	if len(tokens) == 0 {
		return nil, ErrEmpty
	}
	return &Vocabulary{tokens: tokens}, nil
}

// LoadFile loads the vocabulary at path.
func LoadFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Len is the number of tokens.
func (v *Vocabulary) Len() int { return len(v.tokens) }

// Token returns the text of id.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// Render concatenates token texts, skipping control tokens and unknown ids.
func (v *Vocabulary) Render(ids []int) string {
	var b strings.Builder
	b.Grow(len(ids) * 3)
	for _, id := range ids {
		if id < inference.SpecialTokenThreshold {
			continue
		}
		if tok, ok := v.Token(id); ok {
			b.WriteString(tok)
		}
	}
	return b.String()
}

// Text renders ids and applies Postprocess.
func (v *Vocabulary) Text(ids []int) string {
	return Postprocess(v.Render(ids))
}
