package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/samcharles93/ocrkit/internal/backend"
	"github.com/samcharles93/ocrkit/internal/backend/backendtest"
	"github.com/samcharles93/ocrkit/internal/inference"
	"github.com/samcharles93/ocrkit/internal/metrics"
)

// writeModelDir lays out a model directory the fake backend accepts. Token
// 5 renders as "日" and 6 as "本".
func writeModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	emb := make([]byte, 8*inference.HiddenSize*4)
	for i := 0; i < len(emb); i += 4 {
		binary.LittleEndian.PutUint32(emb[i:], math.Float32bits(0.25))
	}
	files := map[string][]byte{
		"encoder.onnx":   backendtest.EncoderModel(),
		"decoder.onnx":   backendtest.DecoderModel(),
		"embeddings.bin": emb,
		"vocab.txt":      []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\n日\n本\n語\n"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func nihon(n int, _ []float32) int {
	switch n {
	case 1:
		return 5
	case 2:
		return 6
	default:
		return inference.EndToken
	}
}

func newTestService(t *testing.T, opts backendtest.Options) (*Service, *backendtest.Session) {
	t.Helper()
	if opts.Next == nil {
		opts.Next = nihon
	}
	sess := backendtest.New(opts)
	svc, err := New(Config{
		ModelsDir: writeModelDir(t),
		Metrics:   metrics.New(),
		Engine: inference.Config{
			Backend:        sess,
			Registry:       &backend.Registry{},
			Probe:          func(string) (string, bool) { return "libaccel.so", true },
			GPUSettleDelay: -1,
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, sess
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.Gray{Y: uint8(x * 8)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestGuard(t *testing.T) {
	t.Parallel()
	var g Guard
	if g.Acquire() != 1 || g.Acquire() != 2 {
		t.Fatal("Acquire must count up")
	}
	if n, last := g.Release(); n != 1 || last {
		t.Fatalf("Release() = %d, %v, want 1, false", n, last)
	}
	if n, last := g.Release(); n != 0 || !last {
		t.Fatalf("Release() = %d, %v, want 0, true", n, last)
	}
	if n, last := g.Release(); n != 0 || !last {
		t.Fatalf("Release() on empty guard = %d, %v, want 0, true", n, last)
	}
	g.Acquire()
	g.Reset()
	if g.Count() != 0 {
		t.Fatalf("Count() = %d after Reset", g.Count())
	}
}

func TestOpenReusesEngine(t *testing.T) {
	t.Parallel()
	svc, sess := newTestService(t, backendtest.Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := svc.Open(ctx); err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
	}
	if svc.ActiveClients() != 3 {
		t.Fatalf("ActiveClients() = %d, want 3", svc.ActiveClients())
	}
	if got := sess.Compiles(backend.KindGPU); got != 2 {
		t.Fatalf("GPU compiles = %d, want 2", got)
	}

	for i := 0; i < 2; i++ {
		if err := svc.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if !svc.Status().Initialized {
			t.Fatalf("engine torn down with %d clients left", svc.ActiveClients())
		}
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("last Close() error = %v", err)
	}
	st := svc.Status()
	if st.Initialized || st.Clients != 0 {
		t.Fatalf("status after last Close = %+v", st)
	}
	if sess.OpenModels() != 0 || sess.OpenBuffers() != 0 {
		t.Fatalf("leaked %d models and %d buffers", sess.OpenModels(), sess.OpenBuffers())
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("extra Close() error = %v", err)
	}
}

func TestRecognize(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, backendtest.Options{})
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer svc.Close()

	rec, err := svc.Recognize(context.Background(), bytes.NewReader(pngImage(t)))
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if rec.Text != "日本" {
		t.Fatalf("Text = %q, want 日本", rec.Text)
	}
	if len(rec.Tokens) != 3 || rec.Stop != inference.StopEndToken || rec.Err != nil {
		t.Fatalf("tokens = %v stop = %v err = %v", rec.Tokens, rec.Stop, rec.Err)
	}
	if rec.EncoderBackend != backend.KindGPU || rec.DecoderBackend != backend.KindGPU {
		t.Fatalf("backends = %v/%v", rec.EncoderBackend, rec.DecoderBackend)
	}

	st := svc.Status()
	if !st.Initialized || st.Encoder != "GPU" || st.Decoder != "GPU" || st.Backend != "fake" || st.Model == "" {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestRecognizePartialDecode(t *testing.T) {
	t.Parallel()
	next := func(n int, _ []float32) int { return 5 + n%3 }
	svc, _ := newTestService(t, backendtest.Options{Next: next, FailMaskWriteAt: 3})
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer svc.Close()
	rec, err := svc.RecognizeTensor(context.Background(), make([]float32, inference.ImageElements))
	if err != nil {
		t.Fatalf("RecognizeTensor() error = %v", err)
	}
	if len(rec.Tokens) != 3 || !errors.Is(rec.Err, inference.ErrBuffer) {
		t.Fatalf("tokens = %v err = %v", rec.Tokens, rec.Err)
	}
	if rec.Text != "本語" {
		t.Fatalf("Text = %q, want 本語", rec.Text)
	}
}

func TestRecognizeBeforeOpen(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, backendtest.Options{})
	rec, err := svc.Recognize(context.Background(), bytes.NewReader(pngImage(t)))
	if !errors.Is(err, inference.ErrNotInitialized) || rec.Text != "" {
		t.Fatalf("Recognize() = %q, %v", rec.Text, err)
	}
}

func TestRecognizeRejectsGarbage(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, backendtest.Options{})
	if _, err := svc.Recognize(context.Background(), strings.NewReader("nope")); !errors.Is(err, inference.ErrInvalidInput) {
		t.Fatalf("Recognize(garbage) error = %v", err)
	}
}

func TestOpenFailureResetsClients(t *testing.T) {
	t.Parallel()
	svc, sess := newTestService(t, backendtest.Options{GPUCompileErr: errors.New("x"), CPUCompileErr: errors.New("y")})
	if err := svc.Open(context.Background()); !errors.Is(err, inference.ErrCompile) {
		t.Fatalf("Open() error = %v, want ErrCompile", err)
	}
	if svc.ActiveClients() != 0 || svc.Status().Initialized {
		t.Fatal("failed Open must leave no clients")
	}
	if sess.OpenModels() != 0 {
		t.Fatalf("leaked %d models", sess.OpenModels())
	}
}

func TestOpenMissingModels(t *testing.T) {
	t.Parallel()
	svc, err := New(Config{
		ModelsDir: filepath.Join(t.TempDir(), "missing"),
		Engine:    inference.Config{Backend: backendtest.New(backendtest.Options{}), Registry: &backend.Registry{}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := svc.Open(context.Background()); err == nil {
		t.Fatal("expected error for missing models directory")
	}
}

func TestOpenHonoursCancelledContext(t *testing.T) {
	t.Parallel()
	svc, sess := newTestService(t, backendtest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Open(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Open() error = %v", err)
	}
	if sess.Compiles(backend.KindGPU)+sess.Compiles(backend.KindCPU) != 0 {
		t.Fatal("cancelled Open must not compile")
	}
}

func TestConcurrentRecognitions(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, backendtest.Options{})
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer svc.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := svc.RecognizeTensor(context.Background(), make([]float32, inference.ImageElements))
			if err != nil || rec.Text != "日本" {
				t.Errorf("RecognizeTensor() = %q, %v", rec.Text, err)
			}
		}()
	}
	wg.Wait()
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without models dir")
	}
	if _, err := New(Config{ModelsDir: "x"}); err == nil {
		t.Fatal("expected error without backend")
	}
}
