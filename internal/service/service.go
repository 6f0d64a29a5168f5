// Package service shares one inference engine between many logical callers
// and turns images into text with it.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/samcharles93/ocrkit/internal/assets"
	"github.com/samcharles93/ocrkit/internal/backend"
	"github.com/samcharles93/ocrkit/internal/imageprep"
	"github.com/samcharles93/ocrkit/internal/inference"
	"github.com/samcharles93/ocrkit/internal/logger"
	"github.com/samcharles93/ocrkit/internal/metrics"
	"github.com/samcharles93/ocrkit/internal/vocab"
)

// Config configures a Service.
type Config struct {
	// ModelsDir holds the encoder, decoder, embeddings and vocabulary.
	ModelsDir    string
	CacheDir     string
	NativeLibDir string
	// MaxTokens bounds each recognition. Zero means MaxSequenceLength.
	MaxTokens int
	Engine    inference.Config
	Metrics   *metrics.Recorder
	Logger    logger.Logger
}

// Recognition is the outcome of one image.
type Recognition struct {
	Text   string
	Tokens []int
	Stop   inference.StopReason
	// Err is set when decoding stopped early on a failure; Text then holds
	// what was decoded before it.
	Err             error
	Steps           int
	Duration        time.Duration
	EncoderDuration time.Duration
	DecoderDuration time.Duration
	EncoderBackend  backend.Kind
	DecoderBackend  backend.Kind
}

// Status describes the shared engine.
type Status struct {
	Initialized bool   `json:"initialized"`
	Model       string `json:"model,omitempty"`
	Backend     string `json:"backend"`
	Encoder     string `json:"encoder,omitempty"`
	Decoder     string `json:"decoder,omitempty"`
	Clients     int    `json:"active_clients"`
}

// Service owns the shared engine. Open and Close are serialised by one
// lock, recognitions by another.
type Service struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.Recorder

	initMu sync.Mutex
	guard  Guard
	model  string

	inferMu sync.Mutex
	engine  *inference.Engine
	vocab   *vocab.Vocabulary
}

// New validates cfg. No models are loaded until Open.
func New(cfg Config) (*Service, error) {
	if cfg.ModelsDir == "" {
		return nil, errors.New("service: models directory is required")
	}
	if cfg.Engine.Backend == nil {
		return nil, errors.New("service: backend session is required")
	}
	if cfg.MaxTokens <= 0 || cfg.MaxTokens > inference.MaxSequenceLength {
		cfg.MaxTokens = inference.MaxSequenceLength
	}
	log := logger.OrDiscard(cfg.Logger)
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = log
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logger.ComponentKey, "service"),
		metrics: cfg.Metrics,
	}, nil
}

// Open registers a caller. The first caller loads the assets and initializes
// the engine; later callers reuse it.
func (s *Service) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.inferMu.Lock()
	eng := s.engine
	s.inferMu.Unlock()
	if eng != nil && eng.IsInitialized() {
		n := s.guard.Acquire()
		s.metrics.ActiveClients(n)
		s.log.Info("engine already initialized, reusing",
			"clients", n,
			"encoder", kindOf(eng.IsEncoderUsingGPU()),
			"decoder", kindOf(eng.IsDecoderUsingGPU()),
		)
		return nil
	}

	start := time.Now()
	eng, voc, model, err := s.load()
	if err != nil {
		s.guard.Reset()
		s.metrics.ActiveClients(0)
		s.metrics.Initialization("none", "none", "error")
		return err
	}
	s.inferMu.Lock()
	s.engine, s.vocab = eng, voc
	s.inferMu.Unlock()
	s.model = model

	n := s.guard.Acquire()
	s.metrics.ActiveClients(n)
	enc, dec := kindOf(eng.IsEncoderUsingGPU()), kindOf(eng.IsDecoderUsingGPU())
	s.metrics.Initialization(enc.String(), dec.String(), "ok")
	s.log.Info("engine initialized",
		append([]any{"model", model, "encoder", enc, "decoder", dec}, logger.Since(start)...)...)
	return nil
}

func (s *Service) load() (*inference.Engine, *vocab.Vocabulary, string, error) {
	store, err := assets.OpenStore(s.cfg.ModelsDir)
	if err != nil {
		return nil, nil, "", err
	}
	voc, err := vocab.LoadFile(store.VocabPath())
	if err != nil {
		return nil, nil, "", fmt.Errorf("load vocabulary: %w", err)
	}
	eng, err := inference.New(s.cfg.Engine)
	if err != nil {
		return nil, nil, "", err
	}
	bundle, err := store.Load()
	if err != nil {
		return nil, nil, "", fmt.Errorf("load models: %w", err)
	}
	err = eng.Initialize(inference.Assets{
		Encoder:      bundle.Encoder,
		Decoder:      bundle.Decoder,
		Embeddings:   bundle.Embeddings,
		CacheDir:     s.cfg.CacheDir,
		NativeLibDir: s.cfg.NativeLibDir,
	})
	if err != nil {
		return nil, nil, "", err
	}
	return eng, voc, store.Manifest.Name, nil
}

// Close releases a caller. Only the last caller tears the engine down.
func (s *Service) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	remaining, last := s.guard.Release()
	s.metrics.ActiveClients(remaining)
	if !last {
		s.log.Info("deferring shutdown", "clients", remaining)
		return nil
	}

	s.inferMu.Lock()
	eng := s.engine
	s.engine, s.vocab = nil, nil
	s.inferMu.Unlock()
	s.model = ""
	if eng == nil {
		return nil
	}
	return eng.Close()
}

// Recognize decodes an encoded image and recognizes it.
func (s *Service) Recognize(ctx context.Context, r io.Reader) (*Recognition, error) {
	pixels, err := imageprep.FromReader(r)
	if err != nil {
		s.metrics.Recognition("invalid", "", 0, 0)
		return &Recognition{}, fmt.Errorf("%w: %w", inference.ErrInvalidInput, err)
	}
	return s.RecognizeTensor(ctx, pixels)
}

// RecognizeTensor recognizes a preprocessed image tensor.
func (s *Service) RecognizeTensor(ctx context.Context, pixels []float32) (*Recognition, error) {
	if err := ctx.Err(); err != nil {
		return &Recognition{}, err
	}
	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	start := time.Now()
	if s.engine == nil {
		s.metrics.Recognition("not_initialized", "", 0, 0)
		return &Recognition{}, inference.ErrNotInitialized
	}
	res, err := s.engine.InferTokens(pixels, s.cfg.MaxTokens)
	if err == nil && len(res.Tokens) == 0 {
		err = fmt.Errorf("%w: no tokens produced", inference.ErrRuntime)
	}
	if err != nil {
		s.metrics.Recognition("error", "", 0, time.Since(start))
		s.log.Error("recognition failed", "error", err)
		return &Recognition{}, err
	}

	rec := &Recognition{
		Text:            s.vocab.Text(res.Tokens),
		Tokens:          res.Tokens,
		Stop:            res.Stop,
		Err:             res.Err,
		Steps:           res.Steps,
		Duration:        time.Since(start),
		EncoderDuration: res.EncoderDuration,
		DecoderDuration: res.DecoderDuration,
		EncoderBackend:  res.EncoderBackend,
		DecoderBackend:  res.DecoderBackend,
	}
	outcome := "ok"
	if rec.Err != nil {
		outcome = "partial"
	}
	s.metrics.Recognition(outcome, rec.Stop.String(), len(rec.Tokens), rec.Duration)
	s.log.Info("recognition complete",
		"tokens", len(rec.Tokens),
		"stop", rec.Stop,
		"encoder", rec.EncoderBackend,
		"decoder", rec.DecoderBackend,
		"encoder_ms", rec.EncoderDuration.Milliseconds(),
		"decoder_ms", rec.DecoderDuration.Milliseconds(),
		"steps", rec.Steps,
		"ms", rec.Duration.Milliseconds(),
	)
	return rec, nil
}

// Status reports the shared engine state.
func (s *Service) Status() Status {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	st := Status{
		Backend: s.cfg.Engine.Backend.Name(),
		Clients: s.guard.Count(),
		Model:   s.model,
	}
	s.inferMu.Lock()
	eng := s.engine
	s.inferMu.Unlock()
	if eng != nil && eng.IsInitialized() {
		st.Initialized = true
		st.Encoder = kindOf(eng.IsEncoderUsingGPU()).String()
		st.Decoder = kindOf(eng.IsDecoderUsingGPU()).String()
	}
	return st
}

// ActiveClients reports the number of callers holding the engine.
func (s *Service) ActiveClients() int { return s.guard.Count() }

func kindOf(gpu bool) backend.Kind {
	if gpu {
		return backend.KindGPU
	}
	return backend.KindCPU
}
