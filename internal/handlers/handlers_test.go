package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"jobrelay/internal/config"
	"jobrelay/internal/jobs"
	"jobrelay/internal/models"
)

type recordedPartial struct {
	segment string
	data    any
}

type fakeCallbacks struct {
	mu        sync.Mutex
	cancelled bool
	progress  []jobs.ProgressReport
	partials  []recordedPartial
	narrative []models.NarrativeEvent
}

func (f *fakeCallbacks) Progress(_ context.Context, r jobs.ProgressReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return jobs.ErrCancelled
	}
	f.progress = append(f.progress, r)
	return nil
}

func (f *fakeCallbacks) PartialResult(_ context.Context, segment string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return jobs.ErrCancelled
	}
	f.partials = append(f.partials, recordedPartial{segment: segment, data: data})
	return nil
}

func (f *fakeCallbacks) Narrate(_ context.Context, evt models.NarrativeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return jobs.ErrCancelled
	}
	f.narrative = append(f.narrative, evt)
	return nil
}

func (f *fakeCallbacks) Cancelled(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func TestRegisterBuiltins(t *testing.T) {
	reg := jobs.NewRegistry()
	require.NoError(t, Register(context.Background(), reg, config.Config{ImageOutputDir: t.TempDir()}))
	require.Equal(t, []string{TypeDemo, TypeStory, TypeThumbnail}, reg.Types())

	story, _ := reg.Lookup(TypeStory)
	require.True(t, story.Narrative)
	demo, _ := reg.Lookup(TypeDemo)
	require.False(t, demo.Narrative)
	require.Equal(t, DemoSteps, demo.Steps)
}

func TestDemoWalksEverySteps(t *testing.T) {
	cb := &fakeCallbacks{}
	res, err := Demo(context.Background(), jobs.Invocation{JobID: "j1", Input: map[string]any{"n": float64(3)}}, cb)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"processed": 3, "steps": DemoSteps}, res)

	var overall []int
	for _, r := range cb.progress {
		p, ok := jobs.StepProgress(DemoSteps, r.Step, r.Percent)
		require.True(t, ok)
		if len(overall) > 0 {
			require.GreaterOrEqual(t, p, overall[len(overall)-1])
		}
		overall = append(overall, p)
	}
	require.Equal(t, 0, overall[0])
	require.Equal(t, 100, overall[len(overall)-1])
}

func TestDemoSimulatedFailure(t *testing.T) {
	_, err := Demo(context.Background(), jobs.Invocation{Input: map[string]any{"should_fail": true, "fail_code": "E_DEMO"}}, &fakeCallbacks{})
	var f *jobs.Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, "E_DEMO", f.Code)
}

func TestDemoStopsOnCancellation(t *testing.T) {
	_, err := Demo(context.Background(), jobs.Invocation{}, &fakeCallbacks{cancelled: true})
	require.ErrorIs(t, err, jobs.ErrCancelled)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(jobs.ErrCancelled)
	_, err = Demo(ctx, jobs.Invocation{Input: map[string]any{"duration_ms": 3000}}, &fakeCallbacks{})
	require.ErrorIs(t, err, jobs.ErrCancelled)
}

func TestStoryNarratesInOrder(t *testing.T) {
	cb := &fakeCallbacks{}
	res, err := Story(context.Background(), jobs.Invocation{Input: map[string]any{"topic": "gophers", "chapters": 2}}, cb)
	require.NoError(t, err)

	var types []string
	for _, e := range cb.narrative {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{NarrativeIntro, NarrativeChapter, NarrativeChapter, NarrativeOutro}, types)
	require.Len(t, cb.partials, 2)
	require.Equal(t, "chapter-1", cb.partials[0].segment)

	out := res.(map[string]any)
	require.Equal(t, "Gophers", out["title"])
	require.Len(t, out["chapters"], 2)
}

func TestStoryTitleKeepsMultibyteTopicValid(t *testing.T) {
	res, err := Story(context.Background(), jobs.Invocation{Input: map[string]any{"topic": "école", "chapters": 1}}, &fakeCallbacks{})
	require.NoError(t, err)

	title := res.(map[string]any)["title"].(string)
	require.True(t, utf8.ValidString(title))
	require.Equal(t, "École", title)
}

func TestStoryRequiresTopic(t *testing.T) {
	_, err := Story(context.Background(), jobs.Invocation{Input: map[string]any{}}, &fakeCallbacks{})
	var f *jobs.Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, "INVALID_INPUT", f.Code)
}

func TestThumbnailLocalResizeAndGrayscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Paint red so we can verify grayscale output has equal channels.
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	handler, err := NewThumbnail(context.Background(), config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageDefaultWidth:    5,
	})
	require.NoError(t, err)

	cb := &fakeCallbacks{}
	res, err := handler.Handle(context.Background(), jobs.Invocation{
		JobID: "job-1",
		Type:  TypeThumbnail,
		Input: map[string]any{
			"source_url": srv.URL,
			"grayscale":  true,
			"width":      5,
			"output_key": "../thumbs/test.png",
		},
	}, cb)
	require.NoError(t, err)

	outputPath := filepath.Join(tempDir, "thumbs", "test.png")
	require.Equal(t, outputPath, res.(map[string]any)["location"])
	require.Equal(t, 5, res.(map[string]any)["width"])

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	outImg, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 5, outImg.Bounds().Dx())
	r, g, b, _ := outImg.At(0, 0).RGBA()
	require.True(t, r == g && g == b, "expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)

	var steps []string
	for _, p := range cb.progress {
		if p.Percent == 100 {
			steps = append(steps, p.Step)
		}
	}
	require.Equal(t, ThumbnailSteps, steps)
	require.Len(t, cb.partials, 1)
	require.Equal(t, "location", cb.partials[0].segment)
}

func TestThumbnailDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	handler, err := NewThumbnail(context.Background(), config.Config{ImageOutputDir: t.TempDir()})
	require.NoError(t, err)
	_, err = handler.Handle(context.Background(), jobs.Invocation{JobID: "j", Input: map[string]any{"source_url": srv.URL}}, &fakeCallbacks{})
	var f *jobs.Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, "DOWNLOAD_FAILED", f.Code)

	_, err = handler.Handle(context.Background(), jobs.Invocation{JobID: "j", Input: map[string]any{"source_url": srv.URL, "destination": "s3"}}, &fakeCallbacks{})
	require.ErrorAs(t, err, &f)
	require.Equal(t, "INVALID_INPUT", f.Code)
}
