package timeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFrameNumber(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"person_1_frame_120.jpg", 120},
		{"app/data/outputs/persons_20240101/person_12_frame_4000.jpg", 4000},
		{`C:\out\person_2_frame_80.png`, 80},
		{"person_1_frame_7", 7},
		{"a_frame_1_frame_99.jpg", 99},
		{"frame_120.jpg", 0},
		{"person_1_frame_.jpg", 0},
		{"person_1_frame_abc.jpg", 0},
		{"person_1_frame_-5.jpg", 0},
		{"", 0},
		{"no/token/here.jpg", 0},
	}
	for _, tt := range tests {
		if got := FrameNumber(tt.in); got != tt.want {
			t.Errorf("FrameNumber(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		frame int
		fps   float64
		want  string
	}{
		{0, 30, "00:00"},
		{29, 30, "00:00"},
		{30, 30, "00:01"},
		{1800, 30, "01:00"},
		{1830, 30, "01:01"},
		{4000, 25, "02:40"},
		{120, 0, "00:04"},
		{120, -1, "00:04"},
		{120, math.NaN(), "00:04"},
		{30 * 60 * 125, 30, "125:00"},
		{-10, 30, "00:00"},
	}
	for _, tt := range tests {
		if got := Timestamp(tt.frame, tt.fps); got != tt.want {
			t.Errorf("Timestamp(%d, %v) = %q, want %q", tt.frame, tt.fps, got, tt.want)
		}
	}
}

func TestResolverDegrades(t *testing.T) {
	ctx := context.Background()
	r := &Resolver{Source: Static{"ok": 25, "zero": 0, "neg": -3}}
	tests := map[string]float64{
		"ok":      25,
		"zero":    DefaultFPS,
		"neg":     DefaultFPS,
		"missing": DefaultFPS,
	}
	for id, want := range tests {
		if got := r.FPS(ctx, id); got != want {
			t.Errorf("FPS(%q) = %v, want %v", id, got, want)
		}
	}

	var nilResolver *Resolver
	if got := nilResolver.FPS(ctx, "x"); got != DefaultFPS {
		t.Errorf("nil resolver FPS = %v", got)
	}
	custom := &Resolver{Default: 24}
	if got := custom.FPS(ctx, "x"); got != 24 {
		t.Errorf("custom default FPS = %v, want 24", got)
	}
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	failing := FrameRateFunc(func(context.Context, string) (float64, error) {
		return 0, errors.New("unreachable")
	})
	c := Chain{nil, failing, Static{"a": 0}, Static{"a": 50}}
	fps, err := c.FrameRate(ctx, "a")
	if err != nil || fps != 50 {
		t.Fatalf("Chain.FrameRate = %v, %v; want 50", fps, err)
	}
	if _, err := c.FrameRate(ctx, "b"); err == nil {
		t.Fatal("expected error for unknown video")
	}
	if _, err := (Chain{}).FrameRate(ctx, "b"); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

func TestCacheSingleLookupPerVideo(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	src := FrameRateFunc(func(_ context.Context, id string) (float64, error) {
		calls.Add(1)
		<-release
		if id == "slow" {
			return 24, nil
		}
		return 0, errors.New("down")
	})
	cache := (&Resolver{Source: src}).NewCache()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]float64, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = cache.FPS(ctx, "slow")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, fps := range results {
		if fps != 24 {
			t.Fatalf("result %d = %v, want 24", i, fps)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("source called %d times, want 1", got)
	}

	if got := cache.FPS(ctx, "broken"); got != DefaultFPS {
		t.Fatalf("broken video FPS = %v, want default", got)
	}
	if got := cache.FPS(ctx, "broken"); got != DefaultFPS {
		t.Fatalf("broken video FPS (cached) = %v", got)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("unexpected source calls: %d, want 2", got)
	}
	if cache.Len() != 2 {
		t.Fatalf("cache.Len = %d, want 2", cache.Len())
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"30/1", 30, false},
		{"30000/1001", 30000.0 / 1001.0, false},
		{"25", 25, false},
		{"0/0", 0, true},
		{"abc", 0, true},
		{"30/x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseRate(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseRate(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("parseRate(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{"streams":[{"codec_type":"video","r_frame_rate":"30/1","avg_frame_rate":"0/0"}]}`)
	fps, err := parseProbe(out)
	if err != nil || fps != 30 {
		t.Fatalf("parseProbe = %v, %v; want 30", fps, err)
	}
	out = []byte(`{"streams":[{"codec_type":"video","r_frame_rate":"50/1","avg_frame_rate":"25/1"}]}`)
	if fps, _ := parseProbe(out); fps != 25 {
		t.Fatalf("avg_frame_rate should win: got %v", fps)
	}
	if _, err := parseProbe([]byte(`{"streams":[]}`)); err == nil {
		t.Fatal("expected error without streams")
	}
	if _, err := parseProbe([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad json")
	}
}

func TestFFProbeLocate(t *testing.T) {
	root := t.TempDir()
	p := &FFProbe{VideoDir: root}

	write := func(rel string) string {
		t.Helper()
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		return full
	}

	preferred := write("job1/video.mp4")
	write("job1/aaa.mov")
	if got, err := p.Locate("job1"); err != nil || got != preferred {
		t.Fatalf("Locate(job1) = %q, %v; want %q", got, err, preferred)
	}

	named := write("job2/job2.mkv")
	if got, err := p.Locate("job2"); err != nil || got != named {
		t.Fatalf("Locate(job2) = %q, %v; want %q", got, err, named)
	}

	write("job3/notes.txt")
	fallback := write("job3/clip.AVI")
	if got, err := p.Locate("job3"); err != nil || got != fallback {
		t.Fatalf("Locate(job3) = %q, %v; want %q", got, err, fallback)
	}

	write("job4/readme.md")
	for _, id := range []string{"job4", "missing", "", "..", "a/b"} {
		if _, err := p.Locate(id); err == nil {
			t.Errorf("Locate(%q): expected error", id)
		}
	}
}

func TestFFProbeMissingBinaryDegrades(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "job"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "job", "video.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &Resolver{Source: &FFProbe{Binary: filepath.Join(root, "no-such-ffprobe"), VideoDir: root}}
	if got := r.FPS(context.Background(), "job"); got != DefaultFPS {
		t.Fatalf("FPS with missing binary = %v, want default", got)
	}
}
