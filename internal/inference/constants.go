package inference

import "time"

// Model geometry shared by the encoder/decoder pair.
const (
	ImageSize     = 224
	ImageChannels = 3
	ImageElements = ImageSize * ImageSize * ImageChannels

	MaxSequenceLength = 300
	VocabSize         = 6144
	HiddenSize        = 768
)

// Token ids with fixed meaning.
const (
	PadToken   = 0
	StartToken = 2
	EndToken   = 3

	// SpecialTokenThreshold: ids below it are control tokens and are never
	// rendered as text.
	SpecialTokenThreshold = 5
)

// DefaultGPUSettleDelay is how long Close waits after tearing down GPU models.
const DefaultGPUSettleDelay = 100 * time.Millisecond
