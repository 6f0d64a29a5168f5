package vocab

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testVocab(t *testing.T) *Vocabulary {
	t.Helper()
	v, err := Load(strings.NewReader("[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\nこ\nん\nに\r\nち\nは\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return v
}

func TestRenderSkipsControlTokens(t *testing.T) {
	t.Parallel()
	v := testVocab(t)
	if v.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", v.Len())
	}
	got := v.Render([]int{2, 5, 6, 0, 7, 8, 9, 3, 42, -1})
	if got != "こんにちは" {
		t.Fatalf("Render() = %q", got)
	}
	if tok, ok := v.Token(7); !ok || tok != "に" {
		t.Fatalf("Token(7) = %q, %v (CR must be trimmed)", tok, ok)
	}
	if _, ok := v.Token(10); ok {
		t.Fatal("Token(10) should be out of range")
	}
}

func TestLoadEmpty(t *testing.T) {
	t.Parallel()
	if _, err := Load(strings.NewReader("")); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Load(empty) error = %v, want ErrEmpty", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "vocab.txt")
	if err := os.WriteFile(p, []byte("a\nb\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := LoadFile(p)
	if err != nil || v.Len() != 2 {
		t.Fatalf("LoadFile() = %v, %v", v, err)
	}
	if _, err := LoadFile(p + ".missing"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPostprocess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"こん にち\tは\n", "こんにちは"},
		{"え…", "え．．．"},
		{"ま・た", "ま・た"},
		{"ま・・た", "ま．．た"},
		{"ま.・.た", "ま．．．た"},
		{"ABC 123!?", "ＡＢＣ１２３！？"},
		{"ｶﾀｶﾅ", "カタカナ"},
		{"全角ＯＫ", "全角ＯＫ"},
	}
	for _, tt := range tests {
		if got := Postprocess(tt.in); got != tt.want {
			t.Errorf("Postprocess(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestText(t *testing.T) {
	t.Parallel()
	v, err := Load(strings.NewReader("p\nu\ns\ne\nm\nA\n \n1\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := v.Text([]int{2, 5, 6, 7}); got != "Ａ１" {
		t.Fatalf("Text() = %q, want %q", got, "Ａ１")
	}
}
