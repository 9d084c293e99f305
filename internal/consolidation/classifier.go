package consolidation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Layer is a long-term memory layer. The set is fixed; routing is always
// to exactly one of these.
type Layer string

const (
	LayerEpisodic    Layer = "episodic"
	LayerSemantic    Layer = "semantic"
	LayerProcedural  Layer = "procedural"
	LayerProspective Layer = "prospective"
)

// ValidLayers returns the fixed layer set.
func ValidLayers() []Layer {
	return []Layer{LayerEpisodic, LayerSemantic, LayerProcedural, LayerProspective}
}

// Valid reports whether the layer is one of the fixed set.
func (l Layer) Valid() bool {
	for _, v := range ValidLayers() {
		if l == v {
			return true
		}
	}
	return false
}

// ErrClassifierUnavailable signals that the learned classifier's backing
// service cannot respond. This is expected and recoverable: the router
// falls back to rule-based classification and never surfaces it.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Prediction is a classifier's output: a distribution over the layer set
// plus the chosen layer and its confidence.
type Prediction struct {
	Probabilities map[Layer]float64 `json:"probabilities"`
	Layer         Layer             `json:"layer"`
	Confidence    float64           `json:"confidence"`
}

// Classifier maps a feature vector to a layer prediction. Implementations
// back onto a learned model; the training procedure is out of scope here.
type Classifier interface {
	Classify(ctx context.Context, fv FeatureVector) (Prediction, error)
}

// HTTPClassifier calls a classification service over HTTP. Any transport
// failure or non-200 response maps to ErrClassifierUnavailable so the
// caller can fall back deterministically.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier creates a classifier client for the given endpoint.
func NewHTTPClassifier(endpoint string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Classify submits the feature vector and decodes the prediction.
func (c *HTTPClassifier) Classify(ctx context.Context, fv FeatureVector) (Prediction, error) {
	body, err := json.Marshal(fv)
	if err != nil {
		return Prediction{}, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("%w: status %d", ErrClassifierUnavailable, resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return Prediction{}, fmt.Errorf("%w: decode response: %v", ErrClassifierUnavailable, err)
	}
	if !pred.Layer.Valid() {
		return Prediction{}, fmt.Errorf("%w: unknown layer %q", ErrClassifierUnavailable, pred.Layer)
	}
	return pred, nil
}

// RuleClassifier is the deterministic fallback. Its ordered rules over the
// same feature set are total: every vector yields a layer.
type RuleClassifier struct{}

// Rule confidence levels reflect how specific each pattern is.
const (
	ruleStrongConfidence = 0.70
	ruleWeakConfidence   = 0.50
)

// Classify applies the ordered rules. Never fails.
//
// Order matters: prospective signals (future intent, open questions) are
// checked first because they are the most perishable; procedural next
// (action sequences); episodic for anything anchored in time or concrete
// artifacts; semantic is the residual layer for general facts.
func (RuleClassifier) Classify(_ context.Context, fv FeatureVector) (Prediction, error) {
	switch {
	case fv.FutureMarkers > 0 || fv.ItemType == "reminder" || fv.ItemType == "goal":
		return rulePrediction(LayerProspective, ruleStrongConfidence), nil
	case fv.InterrogativeMarkers > 0 && fv.FutureMarkers == 0 && fv.ActionMarkers == 0:
		// Open questions are prospective: they represent pending intent.
		return rulePrediction(LayerProspective, ruleWeakConfidence), nil
	case fv.ActionMarkers >= 2 || fv.ItemType == "procedure":
		return rulePrediction(LayerProcedural, ruleStrongConfidence), nil
	case fv.TemporalMarkers > 0 || fv.ArtifactRefs > 0:
		return rulePrediction(LayerEpisodic, ruleStrongConfidence), nil
	default:
		return rulePrediction(LayerSemantic, ruleWeakConfidence), nil
	}
}

func rulePrediction(layer Layer, confidence float64) Prediction {
	probs := make(map[Layer]float64, 4)
	rest := (1 - confidence) / 3
	for _, l := range ValidLayers() {
		probs[l] = rest
	}
	probs[layer] = confidence
	return Prediction{Probabilities: probs, Layer: layer, Confidence: confidence}
}
