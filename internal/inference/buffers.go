package inference

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ocrkit/internal/backend"
)

// Decoder input slots.
const (
	decoderHidden = iota
	decoderMask
	decoderEmbeddings
)

// bufferSet holds every tensor buffer of both models plus element counts
// read back from the compiled models.
type bufferSet struct {
	encoderIn  []backend.TensorBuffer
	encoderOut []backend.TensorBuffer
	decoderIn  []backend.TensorBuffer
	decoderOut []backend.TensorBuffer

	imageLen  int
	hiddenLen int
	maskLen   int
	embedLen  int
	logitsLen int
}

func (b *bufferSet) close() error {
	if b == nil {
		return nil
	}
	return errors.Join(
		backend.CloseBuffers(b.encoderIn),
		backend.CloseBuffers(b.encoderOut),
		backend.CloseBuffers(b.decoderIn),
		backend.CloseBuffers(b.decoderOut),
	)
}

func createBuffers(encoder, decoder backend.Model) (_ *bufferSet, err error) {
	set := &bufferSet{}
	defer func() {
		if err != nil {
			_ = set.close()
		}
	}()
	defer recoverPanic(&err, "create buffers")

	if set.encoderIn, err = encoder.CreateInputBuffers(); err != nil {
		return nil, fmt.Errorf("%w: encoder inputs: %w", ErrBuffer, err)
	}
	if set.encoderOut, err = encoder.CreateOutputBuffers(); err != nil {
		return nil, fmt.Errorf("%w: encoder outputs: %w", ErrBuffer, err)
	}
	if set.decoderIn, err = decoder.CreateInputBuffers(); err != nil {
		return nil, fmt.Errorf("%w: decoder inputs: %w", ErrBuffer, err)
	}
	if set.decoderOut, err = decoder.CreateOutputBuffers(); err != nil {
		return nil, fmt.Errorf("%w: decoder outputs: %w", ErrBuffer, err)
	}
	if len(set.encoderIn) < 1 || len(set.encoderOut) < 1 {
		return nil, fmt.Errorf("%w: encoder has %d inputs and %d outputs, want at least 1 each",
			ErrBuffer, len(set.encoderIn), len(set.encoderOut))
	}
	if len(set.decoderIn) < 3 || len(set.decoderOut) < 1 {
		return nil, fmt.Errorf("%w: decoder has %d inputs and %d outputs, want at least 3 and 1",
			ErrBuffer, len(set.decoderIn), len(set.decoderOut))
	}

	sizes := []struct {
		name string
		buf  backend.TensorBuffer
		dst  *int
		min  int
	}{
		{"encoder image", set.encoderIn[0], &set.imageLen, ImageElements},
		{"encoder hidden states", set.encoderOut[0], &set.hiddenLen, 1},
		{"decoder attention mask", set.decoderIn[decoderMask], &set.maskLen, MaxSequenceLength},
		{"decoder embeddings", set.decoderIn[decoderEmbeddings], &set.embedLen, MaxSequenceLength * HiddenSize},
		// The newest position is read at up to row MaxSequenceLength-2.
		{"decoder logits", set.decoderOut[0], &set.logitsLen, (MaxSequenceLength - 1) * VocabSize},
	}
	for _, s := range sizes {
		n, err := elementCount(s.buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBuffer, s.name, err)
		}
		if n < s.min {
			return nil, fmt.Errorf("%w: %s holds %d elements, want at least %d", ErrBuffer, s.name, n, s.min)
		}
		*s.dst = n
	}

	hiddenIn, err := elementCount(set.decoderIn[decoderHidden])
	if err != nil {
		return nil, fmt.Errorf("%w: decoder hidden states: %w", ErrBuffer, err)
	}
	if hiddenIn < set.hiddenLen {
		return nil, fmt.Errorf("%w: decoder hidden-state input holds %d elements, encoder produces %d",
			ErrBuffer, hiddenIn, set.hiddenLen)
	}
	return set, nil
}

// elementCount converts a buffer's byte size into float32 elements.
func elementCount(b backend.TensorBuffer) (int, error) {
	if b == nil {
		return 0, errors.New("missing buffer")
	}
	size, err := b.Size()
	if err != nil {
		return 0, err
	}
	if size <= 0 || size%backend.ElementSize != 0 {
		return 0, fmt.Errorf("size %d bytes is not a positive multiple of %d", size, backend.ElementSize)
	}
	return size / backend.ElementSize, nil
}
