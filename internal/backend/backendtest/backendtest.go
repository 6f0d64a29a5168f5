// Package backendtest provides a scriptable in-memory backend.Session for
// tests. Models are recognised by the byte payloads returned from
// EncoderModel and DecoderModel; the decoder's output is driven by Next.
package backendtest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/ocrkit/internal/backend"
)

// Shapes matching the OCR model pair. HiddenElements is deliberately small.
const (
	DefaultImageElements     = 224 * 224 * 3
	DefaultHiddenElements    = 64
	DefaultMaskElements      = 300
	DefaultEmbeddingElements = 300 * 768
	DefaultVocab             = 6144
	DefaultLogitRows         = 300

	endToken = 3
)

var (
	encoderPayload = []byte("ocrkit-test-encoder")
	decoderPayload = []byte("ocrkit-test-decoder")
)

// EncoderModel returns bytes the fake compiles as an encoder.
func EncoderModel() []byte { return bytes.Clone(encoderPayload) }

// DecoderModel returns bytes the fake compiles as a decoder.
func DecoderModel() []byte { return bytes.Clone(decoderPayload) }

// NextFunc picks the token the decoder scores highest when it sees tokens
// positions filled. hidden is the encoder output fed to the decoder.
type NextFunc func(tokens int, hidden []float32) int

// ObserveFunc sees the decoder inputs on every decoder run.
type ObserveFunc func(tokens int, mask, embeddings []float32)

// Options scripts the fake backend.
type Options struct {
	ImageElements     int
	HiddenElements    int
	MaskElements      int
	EmbeddingElements int
	Vocab             int
	LogitRows         int

	AcceleratorLibraries []string

	GPUEnvErr error
	CPUEnvErr error

	GPUCompileErr  error
	CPUCompileErr  error
	EncoderPartial bool
	DecoderPartial bool
	AccelQueryErr  error
	BorrowWeights  bool
	CompileDelay   time.Duration

	FailBufferCreate bool
	FailEncoderRun   bool
	PanicEncoderRun  bool
	// FailMaskWriteAt fails the decoder attention-mask write whose mask
	// holds exactly this many tokens. Zero disables it.
	FailMaskWriteAt int
	// FailDecoderRunAt fails the decoder run that sees this many tokens.
	FailDecoderRunAt int

	Next    NextFunc
	Observe ObserveFunc
}

// Session is the fake backend.Session. It is safe for concurrent use.
type Session struct {
	opts Options

	mu           sync.Mutex
	envCreates   map[backend.Kind]int
	envCloses    int
	compiles     map[backend.Kind]int
	openModels   int
	openBuffers  int
	doubleCloses int
	decoderRuns  int
	encoderRuns  int
}

// New returns a fake session with defaults filled in.
func New(opts Options) *Session {
	if opts.ImageElements <= 0 {
		opts.ImageElements = DefaultImageElements
	}
	if opts.HiddenElements <= 0 {
		opts.HiddenElements = DefaultHiddenElements
	}
	if opts.MaskElements <= 0 {
		opts.MaskElements = DefaultMaskElements
	}
	if opts.EmbeddingElements <= 0 {
		opts.EmbeddingElements = DefaultEmbeddingElements
	}
	if opts.Vocab <= 0 {
		opts.Vocab = DefaultVocab
	}
	if opts.LogitRows <= 0 {
		opts.LogitRows = DefaultLogitRows
	}
	if opts.Next == nil {
		opts.Next = func(int, []float32) int { return endToken }
	}
	return &Session{
		opts:       opts,
		envCreates: make(map[backend.Kind]int),
		compiles:   make(map[backend.Kind]int),
	}
}

func (s *Session) Name() string { return "fake" }

func (s *Session) AcceleratorLibraries() []string { return s.opts.AcceleratorLibraries }

func (s *Session) NewEnvironment(kind backend.Kind, _ backend.EnvironmentOptions) (backend.Environment, error) {
	switch kind {
	case backend.KindGPU:
		if s.opts.GPUEnvErr != nil {
			return nil, s.opts.GPUEnvErr
		}
	case backend.KindCPU:
		if s.opts.CPUEnvErr != nil {
			return nil, s.opts.CPUEnvErr
		}
	}
	s.mu.Lock()
	s.envCreates[kind]++
	s.mu.Unlock()
	return &environment{s: s, kind: kind}, nil
}

func (s *Session) Compile(env backend.Environment, data []byte, _ backend.CompileOptions) (backend.Model, error) {
	if env == nil {
		return nil, errors.New("fake: nil environment")
	}
	if s.opts.CompileDelay > 0 {
		time.Sleep(s.opts.CompileDelay)
	}
	kind := env.Kind()
	var role string
	switch {
	case bytes.Equal(data, encoderPayload):
		role = "encoder"
	case bytes.Equal(data, decoderPayload):
		role = "decoder"
	default:
		return nil, fmt.Errorf("fake: unrecognised model payload (%d bytes)", len(data))
	}
	if kind == backend.KindGPU && s.opts.GPUCompileErr != nil {
		return nil, s.opts.GPUCompileErr
	}
	if kind == backend.KindCPU && s.opts.CPUCompileErr != nil {
		return nil, s.opts.CPUCompileErr
	}
	partial := kind == backend.KindGPU &&
		((role == "encoder" && s.opts.EncoderPartial) || (role == "decoder" && s.opts.DecoderPartial))

	s.mu.Lock()
	s.compiles[kind]++
	s.openModels++
	s.mu.Unlock()
	return &model{s: s, role: role, kind: kind, partial: partial}, nil
}

// EnvCreates reports environments created for kind.
func (s *Session) EnvCreates(kind backend.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envCreates[kind]
}

// EnvCloses reports environment Close calls.
func (s *Session) EnvCloses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envCloses
}

// Compiles reports successful compiles for kind.
func (s *Session) Compiles(kind backend.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiles[kind]
}

// OpenModels reports compiled models not yet closed.
func (s *Session) OpenModels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openModels
}

// OpenBuffers reports tensor buffers not yet closed.
func (s *Session) OpenBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openBuffers
}

// DoubleCloses reports Close calls on already-closed models or buffers.
func (s *Session) DoubleCloses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doubleCloses
}

// DecoderRuns reports decoder invocations, warmup included.
func (s *Session) DecoderRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoderRuns
}

// EncoderRuns reports encoder invocations, warmup included.
func (s *Session) EncoderRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoderRuns
}

type environment struct {
	s    *Session
	kind backend.Kind
}

func (e *environment) Kind() backend.Kind { return e.kind }

func (e *environment) Close() error {
	e.s.mu.Lock()
	e.s.envCloses++
	e.s.mu.Unlock()
	return nil
}

type model struct {
	s       *Session
	role    string
	kind    backend.Kind
	partial bool
	closed  bool

	lastLogit int
}

func (m *model) Kind() backend.Kind { return m.kind }

func (m *model) FullyAccelerated() (bool, error) {
	if m.kind == backend.KindGPU && m.s.opts.AccelQueryErr != nil {
		return false, m.s.opts.AccelQueryErr
	}
	return m.kind == backend.KindGPU && !m.partial, nil
}

func (m *model) OwnsWeights() bool { return !m.s.opts.BorrowWeights }

func (m *model) CreateInputBuffers() ([]backend.TensorBuffer, error) {
	if m.s.opts.FailBufferCreate {
		return nil, errors.New("fake: buffer allocation failed")
	}
	o := m.s.opts
	if m.role == "encoder" {
		return []backend.TensorBuffer{m.s.newBuffer(o.ImageElements, nil)}, nil
	}
	mask := m.s.newBuffer(o.MaskElements, func(src []float32) error {
		if o.FailMaskWriteAt > 0 && leadingOnes(src) == o.FailMaskWriteAt {
			return fmt.Errorf("fake: mask write failed at %d tokens", o.FailMaskWriteAt)
		}
		return nil
	})
	return []backend.TensorBuffer{
		m.s.newBuffer(o.HiddenElements, nil),
		mask,
		m.s.newBuffer(o.EmbeddingElements, nil),
	}, nil
}

func (m *model) CreateOutputBuffers() ([]backend.TensorBuffer, error) {
	if m.s.opts.FailBufferCreate {
		return nil, errors.New("fake: buffer allocation failed")
	}
	o := m.s.opts
	if m.role == "encoder" {
		return []backend.TensorBuffer{m.s.newBuffer(o.HiddenElements, nil)}, nil
	}
	return []backend.TensorBuffer{m.s.newBuffer(o.Vocab*o.LogitRows, nil)}, nil
}

func (m *model) Run(inputs, outputs []backend.TensorBuffer) error {
	if m.closed {
		return errors.New("fake: model closed")
	}
	if m.role == "encoder" {
		return m.runEncoder(inputs, outputs)
	}
	return m.runDecoder(inputs, outputs)
}

func (m *model) runEncoder(inputs, outputs []backend.TensorBuffer) error {
	m.s.mu.Lock()
	m.s.encoderRuns++
	m.s.mu.Unlock()
	if m.s.opts.PanicEncoderRun {
		panic("fake: encoder exploded")
	}
	if m.s.opts.FailEncoderRun {
		return errors.New("fake: encoder run failed")
	}
	if len(inputs) < 1 || len(outputs) < 1 {
		return errors.New("fake: encoder expects one input and one output")
	}
	in, out := inputs[0].(*buffer), outputs[0].(*buffer)
	for i := range out.data {
		out.data[i] = in.data[(i*131)%len(in.data)]
	}
	return nil
}

func (m *model) runDecoder(inputs, outputs []backend.TensorBuffer) error {
	if len(inputs) < 3 || len(outputs) < 1 {
		return errors.New("fake: decoder expects three inputs and one output")
	}
	hidden := inputs[0].(*buffer)
	mask := inputs[1].(*buffer)
	emb := inputs[2].(*buffer)
	logits := outputs[0].(*buffer)

	tokens := leadingOnes(mask.data)
	m.s.mu.Lock()
	m.s.decoderRuns++
	m.s.mu.Unlock()
	if m.s.opts.FailDecoderRunAt > 0 && tokens == m.s.opts.FailDecoderRunAt {
		return fmt.Errorf("fake: decoder run failed at %d tokens", tokens)
	}
	if m.s.opts.Observe != nil {
		m.s.opts.Observe(tokens, mask.data, emb.data)
	}

	logits.data[m.lastLogit] = 0
	if tokens < 1 {
		return nil
	}
	next := m.s.opts.Next(tokens, hidden.data)
	vocab := m.s.opts.Vocab
	if next < 0 || next >= vocab || tokens > m.s.opts.LogitRows {
		return nil
	}
	m.lastLogit = (tokens-1)*vocab + next
	logits.data[m.lastLogit] = 1
	return nil
}

func (m *model) Close() error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.closed {
		m.s.doubleCloses++
		return errors.New("fake: model already closed")
	}
	m.closed = true
	m.s.openModels--
	return nil
}

type buffer struct {
	s       *Session
	data    []float32
	onWrite func([]float32) error
	closed  bool
}

func (s *Session) newBuffer(n int, onWrite func([]float32) error) *buffer {
	s.mu.Lock()
	s.openBuffers++
	s.mu.Unlock()
	return &buffer{s: s, data: make([]float32, n), onWrite: onWrite}
}

func (b *buffer) Size() (int, error) {
	if b.closed {
		return 0, errors.New("fake: buffer closed")
	}
	return len(b.data) * backend.ElementSize, nil
}

func (b *buffer) Write(src []float32) error {
	if b.closed {
		return errors.New("fake: buffer closed")
	}
	if len(src) > len(b.data) {
		return fmt.Errorf("fake: write of %d elements into %d-element buffer", len(src), len(b.data))
	}
	if b.onWrite != nil {
		if err := b.onWrite(src); err != nil {
			return err
		}
	}
	n := copy(b.data, src)
	clear(b.data[n:])
	return nil
}

func (b *buffer) Read(dst []float32) error {
	if b.closed {
		return errors.New("fake: buffer closed")
	}
	if len(dst) > len(b.data) {
		return fmt.Errorf("fake: read of %d elements from %d-element buffer", len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

func (b *buffer) Close() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.closed {
		b.s.doubleCloses++
		return errors.New("fake: buffer already closed")
	}
	b.closed = true
	b.s.openBuffers--
	return nil
}

func leadingOnes(v []float32) int {
	n := 0
	for _, x := range v {
		if x != 1 {
			break
		}
		n++
	}
	return n
}
