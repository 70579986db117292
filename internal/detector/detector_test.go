package detector

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/A-910/duan2024/camstream/internal/frame"
	"github.com/A-910/duan2024/camstream/internal/frame/frametest"
	"github.com/A-910/duan2024/camstream/internal/metrics"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

func TestEvaluate(t *testing.T) {
	box := image.Rect(1, 2, 30, 40)
	tests := []struct {
		name  string
		dets  []types.Detection
		want  types.FireResult
		boxes int
	}{
		{"none", nil, types.NoFire, 0},
		{"confident fire", []types.Detection{{Label: "fire", Confidence: 0.91, BBox: box}}, types.FireDetected, 1},
		{"at threshold", []types.Detection{{Label: "fire", Confidence: 0.7}}, types.NoFire, 0},
		{"other label", []types.Detection{{Label: "smoke", Confidence: 0.99}}, types.NoFire, 0},
		{"mixed", []types.Detection{
			{Label: "fire", Confidence: 0.5},
			{Label: "fire", Confidence: 0.8, BBox: box},
			{Label: "fire", Confidence: 0.75, BBox: box},
		}, types.FireDetected, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, boxes := Evaluate(tt.dets, "fire", DefaultThreshold)
			if got != tt.want || len(boxes) != tt.boxes {
				t.Fatalf("Evaluate = %v, %d boxes; want %v, %d", got, len(boxes), tt.want, tt.boxes)
			}
		})
	}
}

func TestHTTPClassifier(t *testing.T) {
	jpeg := frametest.JPEG(t, 16, 16, 4)
	var gotQuery, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery, gotType = r.URL.Query().Get("imgsz"), r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if len(body) != len(jpeg) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`[{"class_name":"fire","confidence":0.88,"box":[10,20,110,220]},{"class_name":"person","confidence":0.4,"box":[]}]`))
	}))
	defer srv.Close()

	dets, err := HTTPClassifier{URL: srv.URL + "/predict", ImageSize: 320}.Classify(context.Background(), jpeg)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if gotQuery != "320" || gotType != "image/jpeg" {
		t.Fatalf("request imgsz=%q type=%q", gotQuery, gotType)
	}
	if len(dets) != 2 || dets[0].Label != "fire" || dets[0].BBox != image.Rect(10, 20, 110, 220) {
		t.Fatalf("detections = %+v", dets)
	}
	if dets[1].BBox != (image.Rectangle{}) {
		t.Fatalf("short box should stay empty: %+v", dets[1])
	}
}

func TestHTTPClassifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	if _, err := (HTTPClassifier{URL: srv.URL}).Classify(context.Background(), []byte{1}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDirSourceNewestAndNotModified(t *testing.T) {
	dir := t.TempDir()
	if _, err := (DirSource{Dir: dir}).Latest(context.Background(), time.Time{}); !errors.Is(err, ErrNoImages) {
		t.Fatalf("empty dir err = %v", err)
	}
	if _, err := (DirSource{Dir: filepath.Join(dir, "missing")}).Latest(context.Background(), time.Time{}); !errors.Is(err, ErrNoImages) {
		t.Fatalf("missing dir err = %v", err)
	}

	old := time.Now().Add(-time.Hour)
	writeImage(t, filepath.Join(dir, "images", "a.jpg"), []byte("old"), old)
	writeImage(t, filepath.Join(dir, "images", "b.jpg"), []byte("new"), old.Add(time.Minute))
	writeImage(t, filepath.Join(dir, "notes.txt"), []byte("ignored"), time.Now())

	img, err := DirSource{Dir: dir}.Latest(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if img.Name != "images/b.jpg" || string(img.Data) != "new" {
		t.Fatalf("image = %s %q", img.Name, img.Data)
	}
	if _, err := (DirSource{Dir: dir}).Latest(context.Background(), img.Updated); !errors.Is(err, ErrNotModified) {
		t.Fatalf("err = %v, want ErrNotModified", err)
	}
}

func writeImage(t *testing.T, path string, data []byte, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPSourceConditionalGet(t *testing.T) {
	modified := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	var ims []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ims = append(ims, r.Header.Get("If-Modified-Since"))
		if since, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modified.After(since) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	cache := NewCache(HTTPSource{URL: srv.URL + "/latest.jpg"})
	for range 2 {
		data, err := cache.Fetch(context.Background())
		if err != nil || string(data) != "jpeg-bytes" {
			t.Fatalf("fetch = %q, %v", data, err)
		}
	}
	if len(ims) != 2 || ims[0] != "" || ims[1] != modified.Format(http.TimeFormat) {
		t.Fatalf("If-Modified-Since headers = %q", ims)
	}
	if cache.Name() != "/latest.jpg" {
		t.Fatalf("name = %q", cache.Name())
	}
}

func TestHTTPSourceMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := NewCache(HTTPSource{URL: srv.URL}).Fetch(context.Background()); !errors.Is(err, ErrNoImages) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPResultSink(t *testing.T) {
	var method string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	if err := (HTTPResultSink{URL: srv.URL + "/fire_detection.json"}).SetResult(context.Background(), types.FireDetected); err != nil {
		t.Fatalf("set: %v", err)
	}
	if method != http.MethodPut || body["result"] != float64(0) {
		t.Fatalf("request = %s %v", method, body)
	}
}

type doneToken struct{}

var closedCh = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { return closedCh }
func (doneToken) Error() error                   { return nil }

type capturePublisher struct {
	topic    string
	retained bool
	payload  []byte
}

func (p *capturePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topic, p.retained, p.payload = topic, retained, payload.([]byte)
	return doneToken{}
}

func TestMQTTResultSink(t *testing.T) {
	pub := &capturePublisher{}
	sink := MQTTResultSink{Publisher: pub, Topic: "fire_detection", Now: func() time.Time { return time.Unix(1700000000, 0) }}
	if err := sink.SetResult(context.Background(), types.NoFire); err != nil {
		t.Fatalf("set: %v", err)
	}
	if pub.topic != "fire_detection" || !pub.retained || string(pub.payload) != `{"result":1,"timestamp":1700000000}` {
		t.Fatalf("published %s retained=%v %s", pub.topic, pub.retained, pub.payload)
	}
}

// Fakes for the run loop.

type scriptedSource struct {
	mu    sync.Mutex
	calls int
	imgs  []Image // served in order; exhausted = ErrNoImages
}

func (s *scriptedSource) Latest(ctx context.Context, since time.Time) (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.imgs) == 0 {
		return Image{}, ErrNoImages
	}
	img := s.imgs[0]
	s.imgs = s.imgs[1:]
	return img, nil
}

type fixedClassifier struct {
	dets []types.Detection
	err  error
}

func (c fixedClassifier) Classify(ctx context.Context, jpeg []byte) ([]types.Detection, error) {
	return c.dets, c.err
}

type recordingResults struct {
	results []types.FireResult
}

func (r *recordingResults) SetResult(ctx context.Context, res types.FireResult) error {
	r.results = append(r.results, res)
	return nil
}

func TestRunEndsAfterEmptyFetches(t *testing.T) {
	src := &scriptedSource{}
	results := &recordingResults{}
	d := New(src, fixedClassifier{}, results, WithEmptyLimit(5, 0), WithCadence(0))

	sum := d.Run(context.Background())
	if src.calls != 5 || sum.Classified != 0 || sum.Stopped {
		t.Fatalf("calls=%d summary=%+v", src.calls, sum)
	}
	if len(results.results) != 0 {
		t.Fatal("nothing should be published")
	}
}

func TestRunClassifiesAndPublishes(t *testing.T) {
	jpeg := frametest.JPEG(t, 64, 48, 200)
	src := &scriptedSource{imgs: []Image{
		{Name: "images/1.jpg", Data: jpeg, Updated: time.Unix(1, 0)},
		{Name: "images/bad.jpg", Data: []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, Updated: time.Unix(2, 0)},
	}}
	results := &recordingResults{}
	m := metrics.New()
	debug := t.TempDir()
	cls := fixedClassifier{dets: []types.Detection{{Label: "fire", Confidence: 0.9, BBox: image.Rect(4, 4, 40, 40)}}}

	d := New(src, cls, results, WithEmptyLimit(2, 0), WithCadence(0), WithMetrics(m), WithDebugDir(debug))
	sum := d.Run(context.Background())

	// One good image, one undecodable (retried without spending the
	// allowance), then two empty fetches.
	if sum.Classified != 1 || sum.Fires != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if src.calls != 4 {
		t.Fatalf("source calls = %d", src.calls)
	}
	if len(results.results) != 1 || results.results[0] != types.FireDetected {
		t.Fatalf("results = %v", results.results)
	}
	if m.Classifications.Load() != 1 || m.FireDetections.Load() != 1 {
		t.Fatalf("metrics classified=%d fires=%d", m.Classifications.Load(), m.FireDetections.Load())
	}

	saved, _ := filepath.Glob(filepath.Join(debug, "fire_*.jpg"))
	if len(saved) != 1 {
		t.Fatalf("debug images = %v", saved)
	}
	data, _ := os.ReadFile(saved[0])
	f := frame.Decode(data)
	if f == nil || f.Width != 64 {
		t.Fatal("annotated image should decode at full size")
	}
}

func TestCachedImageIsReclassified(t *testing.T) {
	jpeg := frametest.JPEG(t, 16, 16, 10)
	src := &notModifiedAfterFirst{img: Image{Name: "a.jpg", Data: jpeg, Updated: time.Unix(5, 0)}}
	results := &recordingResults{}
	ctx, cancel := context.WithCancel(context.Background())

	d := New(src, fixedClassifier{}, stopAfterResults{results, 3, cancel}, WithCadence(0))
	sum := d.Run(ctx)
	if !sum.Stopped || sum.Classified != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, r := range results.results {
		if r != types.NoFire {
			t.Fatalf("results = %v", results.results)
		}
	}
}

type notModifiedAfterFirst struct {
	img  Image
	sent bool
}

func (s *notModifiedAfterFirst) Latest(ctx context.Context, since time.Time) (Image, error) {
	if s.sent {
		return Image{}, ErrNotModified
	}
	s.sent = true
	return s.img, nil
}

type stopAfterResults struct {
	*recordingResults
	n      int
	cancel context.CancelFunc
}

func (s stopAfterResults) SetResult(ctx context.Context, r types.FireResult) error {
	_ = s.recordingResults.SetResult(ctx, r)
	if len(s.results) >= s.n {
		s.cancel()
	}
	return nil
}

func TestClassifierErrorMeansNoFire(t *testing.T) {
	results := &recordingResults{}
	d := New(&scriptedSource{}, fixedClassifier{err: errors.New("model offline")}, results)
	f := frame.Decode(frametest.JPEG(t, 8, 8, 1))
	if got := d.Process(context.Background(), f); got != types.NoFire {
		t.Fatalf("result = %v", got)
	}
	if len(results.results) != 1 || results.results[0] != types.NoFire {
		t.Fatalf("results = %v", results.results)
	}
}

type failingResults struct{}

func (failingResults) SetResult(context.Context, types.FireResult) error {
	return errors.New("database offline")
}

func TestMultiSink(t *testing.T) {
	ok := &recordingResults{}
	err := MultiSink{failingResults{}, ok}.SetResult(context.Background(), types.NoFire)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.results) != 1 {
		t.Fatal("later sinks must still receive the result")
	}
}
