// Package inference runs the OCR encoder/decoder pair: it compiles both
// models for the fastest usable backend, validates them with a warmup pass,
// and turns an image tensor into a token sequence by greedy decoding.
package inference

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/samcharles93/ocrkit/internal/backend"
	"github.com/samcharles93/ocrkit/internal/logger"
	"github.com/samcharles93/ocrkit/internal/logits"
)

// Blob is an owned byte buffer holding a model or the embedding table.
type Blob interface {
	Bytes() []byte
	// Release advises that the bytes are no longer needed in memory.
	Release() error
	Close() error
}

// Assets is everything Initialize takes ownership of.
type Assets struct {
	Encoder    Blob
	Decoder    Blob
	Embeddings Blob

	CacheDir     string
	NativeLibDir string
}

func (a Assets) close() error {
	var errs []error
	for _, b := range []Blob{a.Encoder, a.Decoder, a.Embeddings} {
		if b != nil {
			if err := b.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Config configures an Engine. The zero value of every field except Backend
// is usable.
type Config struct {
	Backend backend.Session
	// Accelerator is auto, cpu or gpu. gpu skips the library probe but
	// still falls back to the CPU.
	Accelerator string
	// Probe reports whether a GPU acceleration library is present.
	// Nil uses backend.FindAccelerator with the session's library names.
	Probe func(nativeLibDir string) (string, bool)
	// Registry holds the shared GPU environment. Nil uses backend.SharedGPU.
	Registry *backend.Registry
	// Threads is the CPU compile thread count. Zero derives it.
	Threads int
	// Precision is passed to GPU compiles. Empty means fp16.
	Precision string
	// GPUSettleDelay is waited on Close after GPU teardown. Zero means
	// DefaultGPUSettleDelay; negative disables it.
	GPUSettleDelay time.Duration
	Logger         logger.Logger
}

// Result is the outcome of one InferTokens call.
type Result struct {
	// Tokens starts with StartToken and never includes EndToken.
	Tokens []int
	Stop   StopReason
	// Err is set when the decode loop stopped on a buffer or run failure.
	Err error
	// Steps counts decoder invocations.
	Steps           int
	EncoderDuration time.Duration
	DecoderDuration time.Duration
	EncoderBackend  backend.Kind
	DecoderBackend  backend.Kind
}

// Engine owns one compiled encoder/decoder pair. All methods are safe for
// concurrent use; calls are serialised.
type Engine struct {
	session     backend.Session
	accelerator string
	probe       func(string) (string, bool)
	registry    *backend.Registry
	threads     int
	precision   string
	settle      time.Duration
	log         logger.Logger

	mu          sync.Mutex
	initialized bool
	assets      Assets
	gpuEnv      backend.Environment
	cpuEnv      backend.Environment
	models      *modelPair
	bufs        *bufferSet
	embeddings  []float32
	hidden      []float32
	logits      []float32
	encoderGPU  bool
	decoderGPU  bool
}

// New validates cfg and returns an uninitialized engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: no backend session", ErrInvalidInput)
	}
	accel, err := backend.Normalize(cfg.Accelerator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	e := &Engine{
		session:     cfg.Backend,
		accelerator: accel,
		probe:       cfg.Probe,
		registry:    cfg.Registry,
		threads:     cfg.Threads,
		precision:   cfg.Precision,
		settle:      cfg.GPUSettleDelay,
		log:         logger.OrDiscard(cfg.Logger).With(logger.ComponentKey, "engine"),
	}
	if e.probe == nil {
		libs := cfg.Backend.AcceleratorLibraries()
		e.probe = func(dir string) (string, bool) {
			return backend.FindAccelerator(libs, dir)
		}
	}
	if e.registry == nil {
		e.registry = backend.SharedGPU()
	}
	if e.threads <= 0 {
		e.threads = backend.CPUThreads()
	}
	if e.precision == "" {
		e.precision = "fp16"
	}
	if e.settle == 0 {
		e.settle = DefaultGPUSettleDelay
	}
	return e, nil
}

// Initialize compiles the models, allocates buffers and runs the warmup pass.
// It takes ownership of the asset blobs unless the engine is already
// initialized. Any failure releases everything acquired so far.
func (e *Engine) Initialize(a Assets) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrAlreadyInitialized
	}

	e.assets = a
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic during initialize: %v", ErrRuntime, rec)
		}
		if err != nil {
			e.log.Error("initialize failed", "error", err)
			if cerr := e.teardown(); cerr != nil {
				e.log.Warn("cleanup after failed initialize", "error", cerr)
			}
		}
	}()

	if a.Encoder == nil || a.Decoder == nil || a.Embeddings == nil {
		return fmt.Errorf("%w: encoder, decoder and embeddings are required", ErrInvalidInput)
	}
	if e.embeddings, err = decodeEmbeddings(a.Embeddings.Bytes()); err != nil {
		return err
	}
	if _, ok := e.embeddingRow(StartToken); !ok {
		return fmt.Errorf("%w: embedding table has no row for the start token", ErrInvalidInput)
	}

	if err := e.compile(a); err != nil {
		return err
	}
	e.releasePages()

	stepStart := time.Now()
	if e.bufs, err = createBuffers(e.models.encoder, e.models.decoder); err != nil {
		return err
	}
	e.hidden = make([]float32, e.bufs.hiddenLen)
	e.logits = make([]float32, e.bufs.logitsLen)
	e.log.Debug("buffers created",
		append([]any{"hidden", e.bufs.hiddenLen, "logits", e.bufs.logitsLen}, logger.Since(stepStart)...)...)

	stepStart = time.Now()
	if err := e.warmup(); err != nil {
		return err
	}
	e.log.Debug("warmup complete", logger.Since(stepStart)...)

	e.initialized = true
	e.log.Info("engine ready", append([]any{
		"encoder", kindOf(e.encoderGPU),
		"decoder", kindOf(e.decoderGPU),
		"threads", e.threads,
	}, logger.Since(start)...)...)
	return nil
}

// compile tries the GPU path, then the CPU path.
func (e *Engine) compile(a Assets) error {
	envOpts := backend.EnvironmentOptions{LibraryDir: a.NativeLibDir, CacheDir: a.CacheDir}

	if e.wantGPU(a.NativeLibDir) {
		pair, err := e.compileOnGPU(a, envOpts)
		if err == nil {
			e.models = pair
			e.encoderGPU, e.decoderGPU = true, true
			return nil
		}
		if !errors.Is(err, backend.ErrAcceleratorUnavailable) && !errors.Is(err, ErrCompile) {
			return err
		}
		e.log.Warn("gpu path unavailable, falling back to cpu", "error", err)
	}

	start := time.Now()
	env, err := e.session.NewEnvironment(backend.KindCPU, envOpts)
	if err != nil {
		return fmt.Errorf("%w: cpu: %w", ErrEnvironment, err)
	}
	e.cpuEnv = env
	e.log.Debug("cpu environment created", logger.Since(start)...)

	start = time.Now()
	pair, err := compileCPU(e.session, env, a.Encoder.Bytes(), a.Decoder.Bytes(),
		backend.CompileOptions{Threads: e.threads}, e.log)
	if err != nil {
		return err
	}
	e.models = pair
	e.log.Info("models compiled",
		append([]any{"backend", backend.KindCPU, "threads", e.threads}, logger.Since(start)...)...)
	return nil
}

func (e *Engine) wantGPU(libDir string) bool {
	switch e.accelerator {
	case backend.CPU:
		return false
	case backend.GPU:
		return true
	}
	lib, ok := e.probe(libDir)
	if !ok {
		e.log.Info("no gpu acceleration library found", "error", backend.ErrAcceleratorUnavailable)
		return false
	}
	e.log.Debug("gpu acceleration library found", "path", lib)
	return true
}

// compileOnGPU acquires the shared environment and compiles both models.
// The environment reference is dropped again if compilation fails.
func (e *Engine) compileOnGPU(a Assets, envOpts backend.EnvironmentOptions) (*modelPair, error) {
	start := time.Now()
	env, err := e.registry.Acquire(func() (backend.Environment, error) {
		return e.session.NewEnvironment(backend.KindGPU, envOpts)
	})
	if err != nil {
		if errors.Is(err, backend.ErrAcceleratorUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: gpu: %w", ErrEnvironment, err)
	}
	e.log.Debug("gpu environment acquired", append([]any{"refs", e.registry.Refs()}, logger.Since(start)...)...)

	start = time.Now()
	pair, err := compileGPU(e.session, env, a.Encoder.Bytes(), a.Decoder.Bytes(),
		backend.CompileOptions{Precision: e.precision}, e.log)
	if err != nil {
		e.registry.Release(env)
		return nil, err
	}
	e.gpuEnv = env
	e.log.Info("models compiled", append([]any{"backend", backend.KindGPU}, logger.Since(start)...)...)
	return pair, nil
}

// releasePages drops the model bytes once both compiled models hold their
// own copy of the weights. Failure is only logged.
func (e *Engine) releasePages() {
	if !e.models.encoder.OwnsWeights() || !e.models.decoder.OwnsWeights() {
		return
	}
	for name, b := range map[string]Blob{"encoder": e.assets.Encoder, "decoder": e.assets.Decoder} {
		if err := b.Release(); err != nil {
			e.log.Warn("release model pages", "model", name, "error", err)
		}
	}
}

// warmup pushes a zero image through the encoder and a one-token state
// through the decoder.
func (e *Engine) warmup() (err error) {
	defer recoverPanic(&err, "warmup")
	wrap := func(step string, err error) error {
		return fmt.Errorf("%w: %s: %w", ErrWarmup, step, err)
	}
	if err := e.bufs.encoderIn[0].Write(make([]float32, e.bufs.imageLen)); err != nil {
		return wrap("write image", err)
	}
	if err := e.models.encoder.Run(e.bufs.encoderIn, e.bufs.encoderOut); err != nil {
		return wrap("encoder run", err)
	}
	if err := e.bufs.encoderOut[0].Read(e.hidden); err != nil {
		return wrap("read hidden states", err)
	}
	if err := e.bufs.decoderIn[decoderHidden].Write(e.hidden); err != nil {
		return wrap("write hidden states", err)
	}
	mask := make([]float32, MaxSequenceLength)
	mask[0] = 1
	if err := e.bufs.decoderIn[decoderMask].Write(mask); err != nil {
		return wrap("write attention mask", err)
	}
	if err := e.bufs.decoderIn[decoderEmbeddings].Write(make([]float32, MaxSequenceLength*HiddenSize)); err != nil {
		return wrap("write embeddings", err)
	}
	if err := e.models.decoder.Run(e.bufs.decoderIn, e.bufs.decoderOut); err != nil {
		return wrap("decoder run", err)
	}
	if err := e.bufs.decoderOut[0].Read(e.logits); err != nil {
		return wrap("read logits", err)
	}
	return nil
}

// InferTokens runs the encoder once and greedily decodes up to maxTokens
// tokens, START included. An error means no usable tokens were produced; a
// failure part-way through decoding is reported in Result.Err instead, with
// the tokens decoded so far.
func (e *Engine) InferTokens(image []float32, maxTokens int) (res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res = &Result{}
	defer func() {
		if rec := recover(); rec != nil {
			res = &Result{}
			err = fmt.Errorf("%w: panic during inference: %v", ErrRuntime, rec)
			e.log.Error("inference failed", "error", err)
		}
	}()

	if !e.initialized {
		return res, ErrNotInitialized
	}
	if maxTokens <= 0 {
		return res, fmt.Errorf("%w: maxTokens must be positive, got %d", ErrInvalidInput, maxTokens)
	}
	if len(image) != e.bufs.imageLen {
		return res, fmt.Errorf("%w: image has %d floats, want %d", ErrInvalidInput, len(image), e.bufs.imageLen)
	}
	res.EncoderBackend = kindOf(e.encoderGPU)
	res.DecoderBackend = kindOf(e.decoderGPU)

	start := time.Now()
	if err := e.encode(image); err != nil {
		e.log.Error("encoder stage failed", "error", err)
		return res, err
	}
	res.EncoderDuration = time.Since(start)

	startRow, _ := e.embeddingRow(StartToken)
	state := NewDecodingState(startRow)

	start = time.Now()
	steps, stop, derr := e.decode(state, maxTokens)
	res.DecoderDuration = time.Since(start)
	res.Tokens = state.Tokens
	res.Stop = stop
	res.Steps = steps
	res.Err = derr
	if derr != nil {
		e.log.Warn("decode stopped early", "tokens", len(res.Tokens), "error", derr)
	}
	e.log.Debug("inference complete",
		"tokens", len(res.Tokens),
		"steps", steps,
		"stop", stop,
		"encoder_ms", res.EncoderDuration.Milliseconds(),
		"decoder_ms", res.DecoderDuration.Milliseconds(),
	)
	return res, nil
}

// encode writes the image, runs the encoder and stages its hidden states
// as the decoder's constant input.
func (e *Engine) encode(image []float32) error {
	if err := e.bufs.encoderIn[0].Write(image); err != nil {
		return fmt.Errorf("%w: write image: %w", ErrBuffer, err)
	}
	if err := e.models.encoder.Run(e.bufs.encoderIn, e.bufs.encoderOut); err != nil {
		return fmt.Errorf("%w: encoder run: %w", ErrRuntime, err)
	}
	if err := e.bufs.encoderOut[0].Read(e.hidden); err != nil {
		return fmt.Errorf("%w: read hidden states: %w", ErrBuffer, err)
	}
	if err := e.bufs.decoderIn[decoderHidden].Write(e.hidden); err != nil {
		return fmt.Errorf("%w: write hidden states: %w", ErrBuffer, err)
	}
	return nil
}

// Close releases models, buffers, the CPU environment and the asset blobs.
// The shared GPU environment is released but never destroyed. Calling Close
// on an engine that is not initialized does nothing.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	start := time.Now()
	err := e.teardown()
	e.log.Info("engine closed", logger.Since(start)...)
	return err
}

func (e *Engine) teardown() error {
	usedGPU := e.encoderGPU || e.decoderGPU
	var errs []error
	if err := e.bufs.close(); err != nil {
		errs = append(errs, fmt.Errorf("close buffers: %w", err))
	}
	e.bufs = nil
	if err := e.models.close(); err != nil {
		errs = append(errs, err)
	}
	e.models = nil
	if usedGPU && e.settle > 0 {
		time.Sleep(e.settle)
	}
	if e.cpuEnv != nil {
		if err := e.cpuEnv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cpu environment: %w", err))
		}
		e.cpuEnv = nil
	}
	if e.gpuEnv != nil {
		e.registry.Release(e.gpuEnv)
		e.gpuEnv = nil
	}
	if err := e.assets.close(); err != nil {
		errs = append(errs, fmt.Errorf("close assets: %w", err))
	}
	e.assets = Assets{}
	e.embeddings, e.hidden, e.logits = nil, nil, nil
	e.encoderGPU, e.decoderGPU = false, false
	e.initialized = false
	return errors.Join(errs...)
}

// IsInitialized reports whether the engine is ready for InferTokens.
func (e *Engine) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// IsEncoderUsingGPU reports whether the encoder was compiled for the GPU.
func (e *Engine) IsEncoderUsingGPU() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoderGPU
}

// IsDecoderUsingGPU reports whether the decoder was compiled for the GPU.
func (e *Engine) IsDecoderUsingGPU() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decoderGPU
}

// UsingGPU is true only when both models run on the GPU.
func (e *Engine) UsingGPU() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoderGPU && e.decoderGPU
}

func (e *Engine) embeddingRow(tok int) ([]float32, bool) {
	return logits.Row(e.embeddings, tok, HiddenSize)
}

func kindOf(gpu bool) backend.Kind {
	if gpu {
		return backend.KindGPU
	}
	return backend.KindCPU
}

// decodeEmbeddings reads a little-endian float32 table with HiddenSize
// columns.
func decodeEmbeddings(raw []byte) ([]float32, error) {
	const rowBytes = HiddenSize * backend.ElementSize
	if len(raw) == 0 || len(raw)%rowBytes != 0 {
		return nil, fmt.Errorf("%w: embedding table is %d bytes, want a non-zero multiple of %d",
			ErrInvalidInput, len(raw), rowBytes)
	}
	out := make([]float32, len(raw)/backend.ElementSize)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
