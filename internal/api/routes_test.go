package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minipath/server/internal/cache"
	"github.com/minipath/server/internal/data/slide"
	"github.com/minipath/server/internal/extract"
	"github.com/minipath/server/internal/jobstore"
	"github.com/minipath/server/internal/magnification"
	"github.com/minipath/server/internal/pairing"
	"github.com/minipath/server/internal/ranking"
	"github.com/minipath/server/internal/render"
	"github.com/minipath/server/internal/service"
)

const (
	lowUID  = "1.2.826.0.1.1"
	highUID = "1.2.826.0.1.2"
	grayUID = "1.2.826.0.1.3"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	jobs   *JobManager
}

func writeStore(t *testing.T, dir string, md slide.Metadata, frame func(id int) image.Image) {
	t.Helper()
	w, err := slide.Create(dir, md)
	if err != nil {
		t.Fatal(err)
	}
	for id := 0; id < md.NumberOfFrames; id++ {
		if err := w.WriteFrame(id, frame(id)); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()
}

func frameOf(size int, pixel func(x, y int) color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, pixel(x, y))
		}
	}
	return img
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()

	writeStore(t, filepath.Join(root, "low"), slide.Metadata{
		SeriesInstanceUID: lowUID, PixelSpacing: 1,
		Rows: 16, Columns: 16, TotalPixelMatrixRows: 32, TotalPixelMatrixColumns: 32,
		NumberOfFrames: 4,
	}, func(id int) image.Image {
		rng := rand.New(rand.NewSource(int64(id)))
		spread := []int{2, 16, 64, 256}[id]
		return frameOf(16, func(x, y int) color.NRGBA {
			return color.NRGBA{uint8(rng.Intn(spread)), uint8(rng.Intn(spread)), uint8(rng.Intn(spread)), 255}
		})
	})
	writeStore(t, filepath.Join(root, "high"), slide.Metadata{
		SeriesInstanceUID: highUID, PixelSpacing: 0.5,
		Rows: 32, Columns: 32, TotalPixelMatrixRows: 64, TotalPixelMatrixColumns: 64,
		NumberOfFrames: 4,
	}, func(id int) image.Image {
		return frameOf(32, func(x, y int) color.NRGBA { return color.NRGBA{120, uint8(20 * id), 140, 255} })
	})
	writeStore(t, filepath.Join(root, "gray"), slide.Metadata{
		SeriesInstanceUID: grayUID, PixelSpacing: 1, SamplesPerPixel: 1,
		Rows: 16, Columns: 16, TotalPixelMatrixRows: 16, TotalPixelMatrixColumns: 16,
		NumberOfFrames: 1,
	}, func(int) image.Image {
		return frameOf(16, func(x, y int) color.NRGBA { return color.NRGBA{uint8(x * 16), uint8(x * 16), uint8(x * 16), 255} })
	})

	catalog, err := slide.NewCatalog(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	pairs, err := pairing.NewStore(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pairs.Close() })
	if err := pairs.Put(context.Background(), pairing.Pair{SeriesUID: lowUID, HighSeriesUID: highUID, Rank: 1}); err != nil {
		t.Fatal(err)
	}

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		FrameCacheSizeMB: 16, // Smaller cache for tests
		FrameTTL:         5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	rc := ranking.DefaultConfig()
	rc.ImageSize, rc.PatchSize = 32, 4
	rc.MinK, rc.MaxK, rc.NInit, rc.MaxIter = 2, 4, 2, 50

	svc := service.NewSlideService(service.SlideServiceConfig{
		Catalog:   catalog,
		Pairings:  pairs,
		Cache:     cacheManager,
		Extractor: extract.NewExtractor(extract.Config{MemoryBudgetBytes: 1 << 20}, cacheManager, nil),
		Renderer:  render.NewOverlayRenderer(render.Config{CellSize: 4, GridCells: 8}),
		Ranking:   rc,
		Subset:    true,
	})

	jobs, err := NewJobManager(JobManagerConfig{SQLitePath: filepath.Join(t.TempDir(), "jobs.db")})
	if err != nil {
		t.Fatal(err)
	}
	jobs.Executor = svc.ExecuteSelectJob
	jobs.Start()
	t.Cleanup(jobs.Stop)

	router := NewRouter(RouterConfig{
		Service:     svc,
		Cache:       cacheManager,
		JobManager:  jobs,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	// Create test server
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testServer{server: server, jobs: jobs}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}
}

func TestSlidesAndMetadata(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/slides", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list struct {
		Slides []slide.Entry `json:"slides"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Slides) != 3 {
		t.Errorf("expected 3 slides, got %+v", list.Slides)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/slides/"+highUID+"/metadata", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata: %d %s", resp.StatusCode, body)
	}
	var md slide.Metadata
	json.Unmarshal(body, &md)
	if md.SeriesInstanceUID != highUID || md.NumberOfFrames != 4 {
		t.Errorf("unexpected metadata %+v", md)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/slides/9.9.9/metadata", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown series: expected 404, got %d", resp.StatusCode)
	}
}

func TestRankEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/slides/"+lowUID+"/rank", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rank: %d %s", resp.StatusCode, body)
	}
	var out struct {
		SeriesUID string          `json:"series_uid"`
		Config    ranking.Config  `json:"config"`
		Result    *ranking.Result `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Result == nil || len(out.Result.Tiles) != 64 || len(out.Result.Exemplars) != out.Result.NClusters {
		t.Errorf("unexpected result %+v", out.Result)
	}

	cases := []struct {
		name   string
		series string
		body   string
		status int
	}{
		{"invalid config", lowUID, `{"patch_size": 5}`, http.StatusBadRequest},
		{"min_k above max_k", lowUID, `{"min_k": 10, "max_k": 4}`, http.StatusBadRequest},
		{"bad json", lowUID, `{`, http.StatusBadRequest},
		{"gray image", grayUID, `{"image_size": 16}`, http.StatusUnprocessableEntity},
		{"unknown series", "4.4", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/slides/"+tc.series+"/rank", tc.body)
			if resp.StatusCode != tc.status {
				t.Errorf("expected %d, got %d: %s", tc.status, resp.StatusCode, body)
			}
		})
	}
}

func TestSelectEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/slides/"+lowUID+"/select", `{"all_frames": true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select: %d %s", resp.StatusCode, body)
	}
	var sel service.Selection
	if err := json.Unmarshal(body, &sel); err != nil {
		t.Fatal(err)
	}
	if sel.HighSeriesUID != highUID || sel.ScalingFactor != 2 {
		t.Errorf("unexpected pairing %+v", sel)
	}
	if len(sel.Tiles) != sel.NClusters {
		t.Errorf("expected one tile per cluster, got %d for %d clusters", len(sel.Tiles), sel.NClusters)
	}
	if len(sel.Frames) != 4 {
		t.Errorf("all_frames should return every tissue frame, got %d", len(sel.Frames))
	}

}

func TestSelectEndpoint_PartialRankingOverride(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/slides/"+lowUID+"/select", `{"ranking": {"seed": 5}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select with seed override: %d %s", resp.StatusCode, body)
	}
	var sel service.Selection
	if err := json.Unmarshal(body, &sel); err != nil {
		t.Fatal(err)
	}
	if sel.NClusters < 2 || sel.NClusters > 4 {
		t.Errorf("n_clusters %d outside the configured 2..4", sel.NClusters)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/slides/"+lowUID+"/select", `{"ranking": {"min_k": 10, "max_k": 4}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("min_k above max_k: expected 400, got %d %s", resp.StatusCode, body)
	}

	base := "/api/slides/" + lowUID + "/jobs"
	resp, body = ts.do(t, http.MethodPost, base+"/", `{"ranking": {"seed": 5}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit with seed override: %d %s", resp.StatusCode, body)
	}
	var job jobstore.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	var opts service.SelectOptions
	if err := json.Unmarshal(job.Params, &opts); err != nil {
		t.Fatal(err)
	}
	if opts.Ranking == nil || opts.Ranking.Seed != 5 || opts.Ranking.ImageSize != 32 || opts.Ranking.PatchSize != 4 {
		t.Errorf("override not merged onto defaults: %+v", opts.Ranking)
	}

	deadline := time.Now().Add(30 * time.Second)
	for !job.Status.Terminal() {
		if time.Now().After(deadline) {
			t.Fatalf("job still %s", job.Status)
		}
		time.Sleep(20 * time.Millisecond)
		_, body = ts.do(t, http.MethodGet, base+"/"+job.ID, "")
		json.Unmarshal(body, &job)
	}
	if job.Status != jobstore.JobStatusCompleted {
		t.Errorf("job ended %s: %s", job.Status, job.Error)
	}

	resp, body = ts.do(t, http.MethodPost, base+"/", `{"ranking": {"min_k": 10, "max_k": 4}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("job with min_k above max_k: expected 400, got %d %s", resp.StatusCode, body)
	}
}

func TestFrameEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/slides/"+highUID+"/frames/2.png", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("frame: %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %q", ct)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if c := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA); c.G != 40 {
		t.Errorf("frame 2 pixel %v", c)
	}

	for path, status := range map[string]int{
		"/frames/7.png":  http.StatusNotFound,
		"/frames/x.png":  http.StatusBadRequest,
		"/frames/1.gif":  http.StatusBadRequest,
		"/frames/1.webp": http.StatusOK,
	} {
		resp, _ := ts.do(t, http.MethodGet, "/api/slides/"+highUID+path, "")
		if resp.StatusCode != status {
			t.Errorf("%s: expected %d, got %d", path, status, resp.StatusCode)
		}
	}
}

func TestOverlayEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/slides/"+lowUID+"/overlay.png?colormap=viridis", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overlay: %d %s", resp.StatusCode, body)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 32 {
		t.Errorf("overlay width %d", img.Bounds().Dx())
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/slides/"+lowUID+"/overlay.webp", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/webp" {
		t.Errorf("webp overlay: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestSelectJobLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	base := "/api/slides/" + lowUID + "/jobs"

	resp, body := ts.do(t, http.MethodPost, base+"/", `{"subset": false}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	var job jobstore.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, body = ts.do(t, http.MethodGet, base+"/"+job.ID, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: %d %s", resp.StatusCode, body)
		}
		json.Unmarshal(body, &job)
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s", job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job.Status != jobstore.JobStatusCompleted {
		t.Fatalf("job ended %s: %s", job.Status, job.Error)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/"+job.ID+"/result", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result: %d %s", resp.StatusCode, body)
	}
	var sel service.Selection
	if err := json.Unmarshal(body, &sel); err != nil {
		t.Fatal(err)
	}
	if len(sel.Tiles) != 64 || job.Frames != len(sel.Frames) {
		t.Errorf("unexpected stored selection: %d tiles, %d frames (job says %d)", len(sel.Tiles), len(sel.Frames), job.Frames)
	}

	// Jobs are scoped to their series.
	resp, _ = ts.do(t, http.MethodGet, "/api/slides/"+highUID+"/jobs/"+job.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-series job lookup: expected 404, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), job.ID) {
		t.Errorf("list: %d %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodDelete, base+"/"+job.ID+"?delete=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	if ts.jobs.Get(job.ID) != nil {
		t.Error("job not deleted")
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/slides/4.4/jobs/", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("submit for unknown series: expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", slide.ErrUnknownSeries), http.StatusNotFound},
		{&pairing.MissingPairingError{SeriesUID: "1"}, http.StatusNotFound},
		{&slide.FrameNotFoundError{ID: 3}, http.StatusNotFound},
		{&ranking.PatchModeError{Channels: 1}, http.StatusUnprocessableEntity},
		{&slide.ShapeError{}, http.StatusUnprocessableEntity},
		{&magnification.FrameCountError{}, http.StatusUnprocessableEntity},
		{ranking.ErrInvalidConfig, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.status {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}
