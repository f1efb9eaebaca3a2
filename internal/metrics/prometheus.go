package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/prometheus/common/model"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
)

// tokenRequestContext is the AAD scope for Azure Managed Prometheus queries
const tokenRequestContext = "https://prometheus.monitor.azure.com/.default"

// PrometheusSource reads the load ratio from a Prometheus instant query.
// The first sample of the result vector is taken as the current load.
type PrometheusSource struct {
	client   *http.Client
	endpoint string
	query    string
	cred     azcore.TokenCredential // nil unless Azure auth is enabled
	logger   *slog.Logger
}

// NewPrometheusSource creates an instant-query load source. With Azure auth
// enabled, requests carry an AAD bearer token for Azure Managed Prometheus.
func NewPrometheusSource(cfg config.PrometheusConfig, logger *slog.Logger) (*PrometheusSource, error) {
	source := &PrometheusSource{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		query:    cfg.Query,
		logger:   logger,
	}

	if cfg.AzureAuth {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
		}
		source.cred = cred
	}

	return source, nil
}

// CurrentLoad executes the configured instant query and returns its first sample
func (s *PrometheusSource) CurrentLoad(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/api/v1/query", nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Set query parameters
	q := req.URL.Query()
	q.Add("query", s.query)
	req.URL.RawQuery = q.Encode()

	if s.cred != nil {
		token, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{tokenRequestContext}})
		if err != nil {
			return 0, fmt.Errorf("%w: failed to get token: %v", ErrUnavailable, err)
		}
		req.Header.Set("Authorization", "Bearer "+token.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: query failed with status code %d", ErrUnavailable, resp.StatusCode)
	}

	vector, err := decodeVector(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vector) == 0 {
		return 0, fmt.Errorf("%w: query returned no samples", ErrUnavailable)
	}

	load := float64(vector[0].Value)

	s.logger.Debug("sampled prometheus query",
		slog.String("query", s.query),
		slog.Int("samples", len(vector)),
		slog.Float64("load", load),
	)

	return load, nil
}

// promQueryResponse follows the format described in the Prometheus
// documentation:
// https://prometheus.io/docs/prometheus/latest/querying/api/#format-overview.
type promQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
	Error string `json:"error"`
}

// decodeVector unwraps an instant-query response into its sample vector
func decodeVector(body []byte) (model.Vector, error) {
	var pqr promQueryResponse
	if err := json.Unmarshal(body, &pqr); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %v", err)
	}
	if pqr.Status != "success" {
		return nil, fmt.Errorf("non-success response status: %v (%s)", pqr.Status, pqr.Error)
	}
	if pqr.Data.ResultType != "vector" {
		return nil, fmt.Errorf("incorrect result type: %v", pqr.Data.ResultType)
	}

	var vector model.Vector
	if err := json.Unmarshal(pqr.Data.Result, &vector); err != nil {
		return nil, fmt.Errorf("failed to decode result vector: %v", err)
	}

	return vector, nil
}
