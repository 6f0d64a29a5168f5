package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ocrkit/internal/backend"
	"github.com/samcharles93/ocrkit/internal/backend/backendtest"
	"github.com/samcharles93/ocrkit/internal/inference"
)

func writeModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	emb := make([]byte, 8*inference.HiddenSize*4)
	for i := 0; i < len(emb); i += 4 {
		binary.LittleEndian.PutUint32(emb[i:], math.Float32bits(0.5))
	}
	files := map[string][]byte{
		"encoder.onnx":   backendtest.EncoderModel(),
		"decoder.onnx":   backendtest.DecoderModel(),
		"embeddings.bin": emb,
		"vocab.txt":      []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\n日\n本\n"),
		"model.json":     []byte(`{"name":"cli-test"}`),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.Gray{Y: uint8(x * 12)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	path := filepath.Join(dir, "line.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func withSession(t *testing.T, s backend.Session) {
	t.Helper()
	prev := newSession
	newSession = func() backend.Session { return s }
	t.Cleanup(func() { newSession = prev })
}

func runApp(t *testing.T, args ...string) (string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	if err := app.Run(context.Background(), append([]string{"ocrkit"}, args...)); err != nil {
		t.Fatalf("run %v: %v (stderr: %s)", args, err, stderr.String())
	}
	return stdout.String(), stderr.String()
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	s := summarize([]time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond})
	if s.Mean != 20*time.Millisecond || s.Min != 10*time.Millisecond || s.Max != 30*time.Millisecond {
		t.Fatalf("summarize() = %+v", s)
	}
	if got := summarize(nil); got != (latencySummary{}) {
		t.Fatalf("summarize(nil) = %+v", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("models_dir: /srv/ocr\naccelerator: gpu\nmax_tokens: 40\ngpu_settle_delay: 250ms\nlog_format: json\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile() error = %v", err)
	}
	if cfg.ModelsDir != "/srv/ocr" || cfg.Accelerator != "gpu" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MaxTokens == nil || *cfg.MaxTokens != 40 {
		t.Fatalf("max_tokens = %v", cfg.MaxTokens)
	}
	if cfg.GPUSettleDelay == nil || *cfg.GPUSettleDelay != 250*time.Millisecond {
		t.Fatalf("gpu_settle_delay = %v", cfg.GPUSettleDelay)
	}
	if cfg.Threads != nil {
		t.Fatal("unset pointer fields must stay nil")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ModelsDir != "" || cfg.MaxTokens != nil {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestResolveModelsDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envModelsDir, "")
	if _, err := resolveModelsDir(""); err == nil {
		t.Fatal("expected an error without flag or env")
	}
	got, err := resolveModelsDir(dir + "/")
	if err != nil || got != filepath.Clean(dir) {
		t.Fatalf("resolveModelsDir(flag) = %q, %v", got, err)
	}

	t.Setenv(envModelsDir, dir)
	if got, err := resolveModelsDir("  "); err != nil || got != dir {
		t.Fatalf("resolveModelsDir(env) = %q, %v", got, err)
	}

	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := resolveModelsDir(file); err == nil {
		t.Fatal("expected an error for a file path")
	}
}

func TestRecognizeCommandUsesConfigFile(t *testing.T) {
	models := writeModelDir(t)
	cfgHome := t.TempDir()
	if err := os.MkdirAll(filepath.Join(cfgHome, "ocrkit"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := "models_dir: " + models + "\naccelerator: cpu\nlog_level: error\n"
	if err := os.WriteFile(filepath.Join(cfgHome, "ocrkit", "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", cfgHome)
	t.Setenv(envModelsDir, "")

	sess := backendtest.New(backendtest.Options{
		Next: func(n int, _ []float32) int {
			switch n {
			case 1:
				return 5
			case 2:
				return 6
			default:
				return inference.EndToken
			}
		},
	})
	withSession(t, sess)
	img := writePNG(t, t.TempDir())

	out, _ := runApp(t, "recognize", "--json", img)
	var results []recognizeOutput
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Text != "日本" || r.StopReason != "end_token" || r.Error != "" {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Encoder != "CPU" || r.Decoder != "CPU" {
		t.Fatalf("accelerator: cpu in config was ignored: %+v", r)
	}
	if sess.Compiles(backend.KindGPU) != 0 {
		t.Fatal("cpu policy must not compile for the GPU")
	}
	if sess.OpenModels() != 0 || sess.OpenBuffers() != 0 {
		t.Fatal("recognize must release the engine before exiting")
	}

	plain, _ := runApp(t, "recognize", img)
	if plain != "日本\n" {
		t.Fatalf("plain output = %q", plain)
	}
}

func TestProbeCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	libDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(libDir, "libocrkit-probe-test.so"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write lib: %v", err)
	}
	withSession(t, backendtest.New(backendtest.Options{
		AcceleratorLibraries: []string{"libocrkit-probe-test*.so"},
	}))

	out, _ := runApp(t, "probe", "--json", "--native-lib-dir", libDir)
	var report probeReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if report.Backend != "fake" || !report.AcceleratorFound || report.Available != "cpu,gpu" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.CPUThreads < 2 || report.CPUThreads > 4 {
		t.Fatalf("cpu threads = %d", report.CPUThreads)
	}
}

func TestVersionCommand(t *testing.T) {
	out, _ := runApp(t, "version")
	if !bytes.Contains([]byte(out), []byte("version:")) {
		t.Fatalf("version output = %q", out)
	}
}
