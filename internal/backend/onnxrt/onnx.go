//go:build onnx

// Package onnxrt is the ONNX Runtime backend. GPU compiles use the CUDA
// execution provider with CPU fallback disabled, so a model that compiles
// on a GPU environment runs every node there.
package onnxrt

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/ocrkit/internal/backend"
)

// Session compiles ONNX models through ONNX Runtime.
type Session struct {
	// SequenceLength sizes symbolic non-batch dimensions.
	SequenceLength int64

	once    sync.Once
	initErr error
}

// New returns an ONNX Runtime session.
func New() *Session {
	return &Session{SequenceLength: 300}
}

// Compiled reports whether this binary carries the ONNX Runtime backend.
func Compiled() bool { return true }

func (s *Session) Name() string { return Name }

func (s *Session) AcceleratorLibraries() []string { return []string{cudaProviderLibrary} }

func (s *Session) initRuntime(libDir string) error {
	s.once.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if p := LibraryPath(libDir); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		s.initErr = ort.InitializeEnvironment()
	})
	return s.initErr
}

func (s *Session) NewEnvironment(kind backend.Kind, opts backend.EnvironmentOptions) (backend.Environment, error) {
	if err := s.initRuntime(opts.LibraryDir); err != nil {
		return nil, fmt.Errorf("onnxruntime: initialize: %w", err)
	}
	if kind == backend.KindGPU {
		if _, ok := backend.FindAccelerator(s.AcceleratorLibraries(), opts.LibraryDir); !ok {
			return nil, backend.ErrAcceleratorUnavailable
		}
	}
	return &environment{kind: kind, opts: opts}, nil
}

func (s *Session) Compile(env backend.Environment, data []byte, opts backend.CompileOptions) (backend.Model, error) {
	e, ok := env.(*environment)
	if !ok || e == nil {
		return nil, errors.New("onnxruntime: environment was not created by this session")
	}
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, fmt.Errorf("onnxruntime: read model io: %w", err)
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxruntime: session options: %w", err)
	}
	defer so.Destroy()

	switch e.kind {
	case backend.KindGPU:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("onnxruntime: cuda options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return nil, fmt.Errorf("onnxruntime: cuda options: %w", err)
		}
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("onnxruntime: append cuda provider: %w", err)
		}
		if err := so.AddSessionConfigEntry("session.disable_cpu_ep_fallback", "1"); err != nil {
			return nil, fmt.Errorf("onnxruntime: disable cpu fallback: %w", err)
		}
	default:
		threads := opts.Threads
		if threads <= 0 {
			threads = backend.CPUThreads()
		}
		if err := so.SetIntraOpNumThreads(threads); err != nil {
			return nil, fmt.Errorf("onnxruntime: intra-op threads: %w", err)
		}
		if err := so.SetInterOpNumThreads(1); err != nil {
			return nil, fmt.Errorf("onnxruntime: inter-op threads: %w", err)
		}
	}

	inNames := make([]string, len(inputs))
	for i, info := range inputs {
		inNames[i] = info.Name
	}
	outNames := make([]string, len(outputs))
	for i, info := range outputs {
		outNames[i] = info.Name
	}
	sess, err := ort.NewDynamicAdvancedSessionWithONNXData(data, inNames, outNames, so)
	if err != nil {
		return nil, fmt.Errorf("onnxruntime: create %s session: %w", e.kind, err)
	}
	return &model{
		kind:    e.kind,
		session: sess,
		inputs:  inputs,
		outputs: outputs,
		seqLen:  s.SequenceLength,
	}, nil
}

// environment marks which execution provider models compile for. The ONNX
// Runtime environment itself is process-global and outlives every handle.
type environment struct {
	kind backend.Kind
	opts backend.EnvironmentOptions
}

func (e *environment) Kind() backend.Kind { return e.kind }

func (e *environment) Close() error { return nil }

type model struct {
	kind    backend.Kind
	session *ort.DynamicAdvancedSession
	inputs  []ort.InputOutputInfo
	outputs []ort.InputOutputInfo
	seqLen  int64

	mu     sync.Mutex
	closed bool
}

func (m *model) Kind() backend.Kind { return m.kind }

func (m *model) FullyAccelerated() (bool, error) {
	return m.kind == backend.KindGPU, nil
}

// OwnsWeights is true: sessions built from memory copy the model proto.
func (m *model) OwnsWeights() bool { return true }

func (m *model) CreateInputBuffers() ([]backend.TensorBuffer, error) {
	return m.createBuffers(m.inputs)
}

func (m *model) CreateOutputBuffers() ([]backend.TensorBuffer, error) {
	return m.createBuffers(m.outputs)
}

func (m *model) createBuffers(infos []ort.InputOutputInfo) ([]backend.TensorBuffer, error) {
	bufs := make([]backend.TensorBuffer, 0, len(infos))
	for _, info := range infos {
		if info.DataType != ort.TensorElementDataTypeFloat {
			_ = backend.CloseBuffers(bufs)
			return nil, fmt.Errorf("onnxruntime: tensor %q has element type %v, want float32", info.Name, info.DataType)
		}
		dims := resolveDims(info.Dimensions, m.seqLen)
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
		if err != nil {
			_ = backend.CloseBuffers(bufs)
			return nil, fmt.Errorf("onnxruntime: allocate %q: %w", info.Name, err)
		}
		if want := elements(dims); int64(len(t.GetData())) != want {
			_ = t.Destroy()
			_ = backend.CloseBuffers(bufs)
			return nil, fmt.Errorf("onnxruntime: %q allocated %d elements, shape %v needs %d",
				info.Name, len(t.GetData()), dims, want)
		}
		bufs = append(bufs, &tensorBuffer{name: info.Name, t: t})
	}
	return bufs, nil
}

func (m *model) Run(inputs, outputs []backend.TensorBuffer) error {
	in, err := values(inputs)
	if err != nil {
		return err
	}
	out, err := values(outputs)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("onnxruntime: model closed")
	}
	return m.session.Run(in, out)
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.session.Destroy()
}

func values(bufs []backend.TensorBuffer) ([]ort.Value, error) {
	vals := make([]ort.Value, len(bufs))
	for i, b := range bufs {
		tb, ok := b.(*tensorBuffer)
		if !ok || tb == nil || tb.t == nil {
			return nil, fmt.Errorf("onnxruntime: buffer %d is not a live onnxruntime tensor", i)
		}
		vals[i] = tb.t
	}
	return vals, nil
}

type tensorBuffer struct {
	name string
	t    *ort.Tensor[float32]
}

func (b *tensorBuffer) Size() (int, error) {
	if b.t == nil {
		return 0, fmt.Errorf("onnxruntime: tensor %q closed", b.name)
	}
	return len(b.t.GetData()) * backend.ElementSize, nil
}

func (b *tensorBuffer) Write(src []float32) error {
	if b.t == nil {
		return fmt.Errorf("onnxruntime: tensor %q closed", b.name)
	}
	dst := b.t.GetData()
	if len(src) > len(dst) {
		return fmt.Errorf("onnxruntime: write %d elements into %q (%d)", len(src), b.name, len(dst))
	}
	n := copy(dst, src)
	clear(dst[n:])
	return nil
}

func (b *tensorBuffer) Read(dst []float32) error {
	if b.t == nil {
		return fmt.Errorf("onnxruntime: tensor %q closed", b.name)
	}
	src := b.t.GetData()
	if len(dst) > len(src) {
		return fmt.Errorf("onnxruntime: read %d elements from %q (%d)", len(dst), b.name, len(src))
	}
	copy(dst, src)
	return nil
}

func (b *tensorBuffer) Close() error {
	if b.t == nil {
		return nil
	}
	err := b.t.Destroy()
	b.t = nil
	return err
}
