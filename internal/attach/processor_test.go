package attach

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestProcessTextFile(t *testing.T) {
	data := []byte("hello attachment")
	processed, err := Process("notes.txt", data)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if processed.MediaKind != KindFile {
		t.Errorf("expected media kind %q, got %q", KindFile, processed.MediaKind)
	}
	if !bytes.Equal(processed.Data, data) {
		t.Errorf("text data should pass through unchanged")
	}
}

func TestProcessTextFileTooLarge(t *testing.T) {
	data := make([]byte, MaxTextBytes+1)
	_, err := Process("big.txt", data)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "big.txt") {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestProcessUnsupportedExtension(t *testing.T) {
	for _, name := range []string{"archive.zip", "script.sh", "noext"} {
		_, err := Process(name, []byte("data"))
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("Process(%q): expected ErrUnsupportedFormat, got %v", name, err)
		}
	}
}

func TestProcessImageWithinBoundsUnchanged(t *testing.T) {
	data := encodePNG(t, MaxWidth, MaxHeight)
	processed, err := Process("exact.png", data)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !bytes.Equal(processed.Data, data) {
		t.Errorf("image within bounds should be byte-identical")
	}
	if processed.MediaKind != KindImage {
		t.Errorf("expected media kind %q, got %q", KindImage, processed.MediaKind)
	}
}

func TestProcessImageDownscaled(t *testing.T) {
	data := encodePNG(t, 640, 480)
	processed, err := Process("large.png", data)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	width, height := decodeSize(t, processed.Data)
	if width > MaxWidth || height > MaxHeight {
		t.Fatalf("image not downscaled: %dx%d", width, height)
	}
	// 640x480 shares the 4:3 ratio of the bounding box
	if width != MaxWidth || height != MaxHeight {
		t.Errorf("expected %dx%d, got %dx%d", MaxWidth, MaxHeight, width, height)
	}
}

func TestProcessImagePreservesAspectRatio(t *testing.T) {
	data := encodePNG(t, 1000, 200)
	processed, err := Process("wide.png", data)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	width, height := decodeSize(t, processed.Data)
	if width != 320 || height != 64 {
		t.Errorf("expected 320x64, got %dx%d", width, height)
	}
}

func TestProcessImageTooLarge(t *testing.T) {
	data := make([]byte, MaxImageBytes+1)
	_, err := Process("huge.jpg", data)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestProcessCorruptImage(t *testing.T) {
	_, err := Process("broken.png", []byte("definitely not a png"))
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if !strings.Contains(err.Error(), "broken.png") {
		t.Errorf("error should name the offending file: %v", err)
	}
}

func TestProcessRejectionIsIndependent(t *testing.T) {
	good := encodePNG(t, 10, 10)
	if _, err := Process("ok.png", good); err != nil {
		t.Fatalf("good file rejected: %v", err)
	}
	if _, err := Process("bad.bin", []byte("x")); err == nil {
		t.Fatal("bad file accepted")
	}
	// the earlier file still validates after a sibling failed
	if _, err := Process("ok.png", good); err != nil {
		t.Fatalf("good file rejected after sibling failure: %v", err)
	}
}
