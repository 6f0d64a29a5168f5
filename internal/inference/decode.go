package inference

import (
	"fmt"

	"github.com/samcharles93/ocrkit/internal/logits"
)

// StopReason records why a decode loop ended.
type StopReason int

const (
	StopNone StopReason = iota
	StopEndToken
	StopMaxLength
	StopInvalidToken
	StopBufferError
)

func (r StopReason) String() string {
	switch r {
	case StopEndToken:
		return "end_token"
	case StopMaxLength:
		return "max_length"
	case StopInvalidToken:
		return "invalid_token"
	case StopBufferError:
		return "buffer_error"
	default:
		return "none"
	}
}

// DecodingState is the per-call decoder input: a fixed-capacity embedding
// table, an attention mask with one leading 1 per token, and the tokens.
type DecodingState struct {
	Embeddings []float32
	Mask       []float32
	Tokens     []int
}

// NewDecodingState returns a state seeded with the START token.
func NewDecodingState(startEmbedding []float32) *DecodingState {
	s := &DecodingState{
		Embeddings: make([]float32, MaxSequenceLength*HiddenSize),
		Mask:       make([]float32, MaxSequenceLength),
		Tokens:     make([]int, 0, MaxSequenceLength),
	}
	s.Append(StartToken, startEmbedding)
	return s
}

// Len is the number of tokens held, START included.
func (s *DecodingState) Len() int { return len(s.Tokens) }

// Append records tok at the next position. It reports false when the state
// is full.
func (s *DecodingState) Append(tok int, embedding []float32) bool {
	n := len(s.Tokens)
	if n >= MaxSequenceLength {
		return false
	}
	copy(s.Embeddings[n*HiddenSize:(n+1)*HiddenSize], embedding)
	s.Mask[n] = 1
	s.Tokens = append(s.Tokens, tok)
	return true
}

// decode runs the greedy loop until END, an invalid token, the length limit,
// or a buffer failure. It returns the decoder invocation count. A non-nil
// error always comes with StopBufferError; the state keeps every token
// appended before the failure.
func (e *Engine) decode(state *DecodingState, maxTokens int) (steps int, stop StopReason, err error) {
	limit := min(maxTokens, MaxSequenceLength-1)
	mask := e.bufs.decoderIn[decoderMask]
	embeddings := e.bufs.decoderIn[decoderEmbeddings]
	out := e.bufs.decoderOut[0]

	for state.Len() < limit {
		n := state.Len()
		if err := mask.Write(state.Mask); err != nil {
			return steps, StopBufferError, fmt.Errorf("%w: write attention mask at step %d: %w", ErrBuffer, n, err)
		}
		if err := embeddings.Write(state.Embeddings); err != nil {
			return steps, StopBufferError, fmt.Errorf("%w: write embeddings at step %d: %w", ErrBuffer, n, err)
		}
		if err := e.models.decoder.Run(e.bufs.decoderIn, e.bufs.decoderOut); err != nil {
			return steps, StopBufferError, fmt.Errorf("%w: decoder run at step %d: %w", ErrRuntime, n, err)
		}
		steps++
		// Only rows up to the newest position are needed.
		rows := n * VocabSize
		if rows > len(e.logits) {
			return steps, StopBufferError, fmt.Errorf("%w: logits hold %d rows, step %d needs %d",
				ErrBuffer, len(e.logits)/VocabSize, n, n)
		}
		if err := out.Read(e.logits[:rows]); err != nil {
			return steps, StopBufferError, fmt.Errorf("%w: read logits at step %d: %w", ErrBuffer, n, err)
		}

		tok := logits.ArgmaxRow(e.logits[:rows], n-1, VocabSize)
		if tok == EndToken {
			return steps, StopEndToken, nil
		}
		if tok < 0 {
			return steps, StopInvalidToken, nil
		}
		row, ok := e.embeddingRow(tok)
		if !ok {
			return steps, StopInvalidToken, nil
		}
		state.Append(tok, row)
	}
	return steps, StopMaxLength, nil
}
