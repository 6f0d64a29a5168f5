package inference

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ocrkit/internal/backend"
	"github.com/samcharles93/ocrkit/internal/logger"
)

// modelPair is the compiled encoder and decoder. Both always share one Kind.
type modelPair struct {
	encoder backend.Model
	decoder backend.Model
}

func (p *modelPair) close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.encoder != nil {
		if err := p.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close encoder: %w", err))
		}
		p.encoder = nil
	}
	if p.decoder != nil {
		if err := p.decoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close decoder: %w", err))
		}
		p.decoder = nil
	}
	return errors.Join(errs...)
}

func compileOne(s backend.Session, env backend.Environment, data []byte, opts backend.CompileOptions, name string) (m backend.Model, err error) {
	defer recoverPanic(&err, "compile "+name)
	m, err = s.Compile(env, data, opts)
	if err == nil && m == nil {
		err = fmt.Errorf("backend %s returned no %s model", s.Name(), name)
	}
	return m, err
}

// compileGPU compiles the encoder on a background goroutine and the decoder
// on the caller's, then requires both to be fully accelerated. Whatever was
// built is closed on any failure.
func compileGPU(s backend.Session, env backend.Environment, encoder, decoder []byte, opts backend.CompileOptions, log logger.Logger) (*modelPair, error) {
	pair := &modelPair{}

	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		m, err := compileOne(s, env, encoder, opts, "encoder")
		if err != nil {
			return err
		}
		pair.encoder = m
		log.Debug("encoder compiled", append([]any{"backend", backend.KindGPU}, logger.Since(start)...)...)
		return nil
	})

	start := time.Now()
	dec, decErr := compileOne(s, env, decoder, opts, "decoder")
	if decErr == nil {
		pair.decoder = dec
		log.Debug("decoder compiled", append([]any{"backend", backend.KindGPU}, logger.Since(start)...)...)
	}
	encErr := g.Wait()

	if err := errors.Join(encErr, decErr); err != nil {
		_ = pair.close()
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	for _, m := range []struct {
		name  string
		model backend.Model
	}{{"encoder", pair.encoder}, {"decoder", pair.decoder}} {
		full, err := m.model.FullyAccelerated()
		if err != nil {
			log.Warn("acceleration query failed", "model", m.name, "error", err)
		}
		if err != nil || !full || m.model.Kind() != backend.KindGPU {
			_ = pair.close()
			return nil, fmt.Errorf("%w: %s", ErrPartialAcceleration, m.name)
		}
	}
	return pair, nil
}

// compileCPU compiles both models sequentially for the CPU.
func compileCPU(s backend.Session, env backend.Environment, encoder, decoder []byte, opts backend.CompileOptions, log logger.Logger) (*modelPair, error) {
	pair := &modelPair{}

	start := time.Now()
	enc, err := compileOne(s, env, encoder, opts, "encoder")
	if err != nil {
		return nil, fmt.Errorf("%w: encoder: %w", ErrCompile, err)
	}
	pair.encoder = enc
	log.Debug("encoder compiled", append([]any{"backend", backend.KindCPU, "threads", opts.Threads}, logger.Since(start)...)...)

	start = time.Now()
	dec, err := compileOne(s, env, decoder, opts, "decoder")
	if err != nil {
		_ = pair.close()
		return nil, fmt.Errorf("%w: decoder: %w", ErrCompile, err)
	}
	pair.decoder = dec
	log.Debug("decoder compiled", append([]any{"backend", backend.KindCPU, "threads", opts.Threads}, logger.Since(start)...)...)
	return pair, nil
}
