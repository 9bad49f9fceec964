package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// HTTPOracle calls a remote model service. Calls are rate limited on the client side and
// guarded by a circuit breaker; an open breaker fails fast with ScoringUnavailableError.
type HTTPOracle struct {
	logger     *logrus.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	modelVersion  string
	schemaVersion string
	features      []string
}

type predictRequest struct {
	Features     map[string]float64 `json:"features"`
	FeatureOrder []string           `json:"feature_order"`
}

type predictResponse struct {
	Probability *float64 `json:"probability"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

type modelResponse struct {
	ModelVersion  string   `json:"model_version"`
	SchemaVersion string   `json:"schema_version"`
	FeatureCols   []string `json:"feature_cols"`
}

// statusError is a non-2xx answer from the model service.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("model service returned status %d: %s", e.StatusCode, e.Body)
}

// NewHTTPOracle creates the client and fetches the model description from {base}/model.
func NewHTTPOracle(ctx context.Context, config domain.OracleConfig, logger *logrus.Logger) (*HTTPOracle, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("oracle base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 20
	}
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = 3
	}
	if config.BreakerInterval == 0 {
		config.BreakerInterval = 30 * time.Second
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 60 * time.Second
	}
	if config.BreakerFailureRatio == 0 {
		config.BreakerFailureRatio = 0.6
	}

	o := &HTTPOracle{
		logger:  logger,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit),
	}

	failureRatio := config.BreakerFailureRatio
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "risk-oracle",
		MaxRequests: config.BreakerMaxRequests,
		Interval:    config.BreakerInterval,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= failureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrAttributionUnsupported)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Oracle circuit breaker changed state")
		},
	})

	var model modelResponse
	if err := o.call(ctx, http.MethodGet, "/model", nil, &model); err != nil {
		return nil, fmt.Errorf("failed to fetch model description: %w", err)
	}
	if model.ModelVersion == "" || model.SchemaVersion == "" {
		return nil, fmt.Errorf("model service returned an incomplete model description")
	}
	o.modelVersion = model.ModelVersion
	o.schemaVersion = model.SchemaVersion
	o.features = model.FeatureCols

	logger.WithFields(logrus.Fields{
		"base_url":       o.baseURL,
		"model_version":  o.modelVersion,
		"schema_version": o.schemaVersion,
		"features":       len(o.features),
	}).Info("Connected to remote risk oracle")

	return o, nil
}

// PredictProbability posts the vector to {base}/predict.
func (o *HTTPOracle) PredictProbability(ctx context.Context, vector *domain.FeatureVector) (*domain.Prediction, error) {
	var resp predictResponse
	if err := o.call(ctx, http.MethodPost, "/predict", newPredictRequest(vector), &resp); err != nil {
		return nil, err
	}
	if resp.Probability == nil {
		return nil, &domain.ScoringUnavailableError{Reason: "model service response has no probability"}
	}
	return &domain.Prediction{Probability: *resp.Probability, Confidence: resp.Confidence}, nil
}

// Attribute posts the vector to {base}/attribute. 404 and 501 mean the service cannot explain.
func (o *HTTPOracle) Attribute(ctx context.Context, vector *domain.FeatureVector) (*domain.AttributionResponse, error) {
	var resp domain.AttributionResponse
	if err := o.call(ctx, http.MethodPost, "/attribute", newPredictRequest(vector), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (o *HTTPOracle) ModelSchemaVersion() string {
	return o.schemaVersion
}

func (o *HTTPOracle) ModelVersion() string {
	return o.modelVersion
}

func (o *HTTPOracle) ExpectedFeatures() []string {
	return append([]string(nil), o.features...)
}

// BreakerState reports the circuit breaker state for health checks.
func (o *HTTPOracle) BreakerState() gobreaker.State {
	return o.breaker.State()
}

func newPredictRequest(vector *domain.FeatureVector) *predictRequest {
	return &predictRequest{
		Features:     vector.Map(),
		FeatureOrder: vector.Names,
	}
}

func (o *HTTPOracle) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := o.rateLimit.Wait(ctx); err != nil {
		return &domain.ScoringUnavailableError{Reason: "rate limit wait failed", Cause: err}
	}

	_, err := o.breaker.Execute(func() (interface{}, error) {
		return nil, o.do(ctx, method, path, body, out)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrAttributionUnsupported):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &domain.ScoringUnavailableError{Reason: "model service unavailable (circuit breaker open)", Cause: err}
	default:
		return &domain.ScoringUnavailableError{Reason: fmt.Sprintf("%s %s failed", method, path), Cause: err}
	}
}

func (o *HTTPOracle) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if path == "/attribute" && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented) {
		return domain.ErrAttributionUnsupported
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// New builds the oracle selected by configuration.
func New(ctx context.Context, config domain.OracleConfig, logger *logrus.Logger) (domain.Oracle, error) {
	switch config.Type {
	case "", "local":
		if config.ModelPath == "" {
			return nil, fmt.Errorf("oracle model path is required for local oracle")
		}
		o, err := LoadLogisticOracle(config.ModelPath)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"model_path":    config.ModelPath,
			"model_version": o.ModelVersion(),
		}).Info("Loaded local risk model")
		return o, nil
	case "http":
		return NewHTTPOracle(ctx, config, logger)
	default:
		return nil, fmt.Errorf("unsupported oracle type: %s", config.Type)
	}
}
