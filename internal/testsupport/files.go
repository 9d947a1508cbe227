package testsupport

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0x42
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WritePNG writes a small decodable PNG image to path.
func WritePNG(t testing.TB, path string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

// WriteFrames writes count PNG frames named <prefix>_NNNNN_.png into dir, the
// naming scheme SaveImage nodes use.
func WriteFrames(t testing.TB, dir, prefix string, count int) []string {
	t.Helper()

	paths := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%05d_.png", prefix, i))
		WritePNG(t, path)
		paths = append(paths, path)
	}
	return paths
}

// WriteTemplate writes a minimal API-format workflow using every placeholder
// except those listed in omit, and returns its path.
func WriteTemplate(t testing.TB, dir string, omit ...string) string {
	t.Helper()

	skip := map[string]bool{}
	for _, name := range omit {
		skip[name] = true
	}
	graph := map[string]any{
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": "model.safetensors"},
		},
		"6": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "{{prompt}}", "clip": []any{"4", 1}},
		},
		"7": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "{{negative_prompt}}", "clip": []any{"4", 1}},
		},
		"9": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"filename_prefix": "{{prefix}}", "images": []any{"6", 0}},
		},
		"10": map[string]any{
			"class_type": "LoadImage",
			"inputs":     map[string]any{"image": "{{image}}"},
		},
	}
	if skip["{{image}}"] {
		delete(graph, "10")
	}
	if skip["{{prefix}}"] {
		graph["9"].(map[string]any)["inputs"].(map[string]any)["filename_prefix"] = "static"
	}
	if skip["{{negative_prompt}}"] {
		delete(graph, "7")
	}
	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		t.Fatalf("marshal template: %v", err)
	}
	path := filepath.Join(dir, "workflow_api.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}
