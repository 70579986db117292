package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/A-910/duan2024/camstream/pkg/types"
)

// Classifier runs an object detection model on a JPEG image.
type Classifier interface {
	Classify(ctx context.Context, jpeg []byte) ([]types.Detection, error)
}

// prediction is the wire shape returned by the inference server.
type prediction struct {
	ClassName  string    `json:"class_name"`
	Box        []float32 `json:"box"` // x1, y1, x2, y2
	Confidence float32   `json:"confidence"`
}

// HTTPClassifier posts the JPEG to an inference server and reads back a
// JSON array of predictions.
type HTTPClassifier struct {
	URL       string
	ImageSize int // model input size, sent as imgsz (0 = server default)
	Client    *http.Client
}

// Classify implements Classifier.
func (c HTTPClassifier) Classify(ctx context.Context, jpeg []byte) ([]types.Detection, error) {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	target := c.URL
	if c.ImageSize > 0 {
		u, err := url.Parse(c.URL)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		q := u.Query()
		q.Set("imgsz", strconv.Itoa(c.ImageSize))
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(jpeg))
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("classifier: status code %d", resp.StatusCode)
	}

	var preds []prediction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&preds); err != nil {
		return nil, fmt.Errorf("classifier: decode: %w", err)
	}

	dets := make([]types.Detection, 0, len(preds))
	for _, p := range preds {
		d := types.Detection{Label: p.ClassName, Confidence: float64(p.Confidence)}
		if len(p.Box) == 4 {
			d.BBox = image.Rect(int(p.Box[0]), int(p.Box[1]), int(p.Box[2]), int(p.Box[3]))
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// DefaultThreshold is the confidence a fire detection must exceed.
const DefaultThreshold = 0.7

// Evaluate reports FireDetected if any detection carries label with a
// confidence strictly above threshold, along with the matching boxes.
func Evaluate(dets []types.Detection, label string, threshold float64) (types.FireResult, []image.Rectangle) {
	var boxes []image.Rectangle
	for _, d := range dets {
		if d.Label == label && d.Confidence > threshold {
			boxes = append(boxes, d.BBox)
		}
	}
	if len(boxes) > 0 {
		return types.FireDetected, boxes
	}
	return types.NoFire, nil
}
