package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/renacare/renaudit/pkg/circuitbreaker"
)

// RemoteConfig holds configuration for a remote rule service
type RemoteConfig struct {
	// BaseURL is the rule service base URL
	BaseURL string
	// RequestTimeout bounds one lookup attempt
	RequestTimeout time.Duration
	// RetryMax is the maximum number of retries per lookup
	RetryMax int
	// RetryWaitMin is the minimum backoff between retries
	RetryWaitMin time.Duration
	// RetryWaitMax is the maximum backoff between retries
	RetryWaitMax time.Duration
}

// DefaultRemoteConfig returns defaults for a local rule service
func DefaultRemoteConfig(baseURL string) RemoteConfig {
	return RemoteConfig{
		BaseURL:        baseURL,
		RequestTimeout: 3 * time.Second,
		RetryMax:       2,
		RetryWaitMin:   100 * time.Millisecond,
		RetryWaitMax:   time.Second,
	}
}

// RemoteSource looks up renal dosing rules from a remote rule service.
// Lookups are retried with backoff and guarded by a circuit breaker so
// a degraded rule service surfaces as an error quickly instead of
// hanging the audit. Unknown drugs are ErrDrugNotFound; unparseable
// responses are RuleDataError.
type RemoteSource struct {
	baseURL string
	client  *retryablehttp.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRemoteSource creates a remote rule source
func NewRemoteSource(cfg RemoteConfig, logger *zap.Logger) (*RemoteSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.Logger = nil

	breakerCfg := circuitbreaker.DefaultConfig("rule-source")
	breakerCfg.Ignore = []error{ErrDrugNotFound}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		return nil, err
	}

	return &RemoteSource{
		baseURL: cfg.BaseURL,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Lookup implements Source against the remote rule service
func (s *RemoteSource) Lookup(ctx context.Context, drug DrugRef) ([]Rule, error) {
	result, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.fetch(ctx, drug)
	})
	if err != nil {
		if circuitbreaker.Rejected(err) {
			return nil, fmt.Errorf("rule source unavailable: %w", err)
		}
		return nil, err
	}
	return result.([]Rule), nil
}

func (s *RemoteSource) fetch(ctx context.Context, drug DrugRef) ([]Rule, error) {
	endpoint := fmt.Sprintf("%s/rules?drug_code=%s&drug_name=%s",
		s.baseURL, strconv.FormatInt(drug.ItemCode, 10), url.QueryEscape(drug.Name))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build rule lookup request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rule lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrDrugNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rule lookup returned %d: %s", resp.StatusCode, body)
	}

	var records []ruleRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &RuleDataError{Drug: drug.Name, Detail: fmt.Sprintf("undecodable response: %v", err)}
	}

	ruleset := make([]Rule, 0, len(records))
	for _, rec := range records {
		rule := rec.toRule()
		if err := rule.Validate(drug.Name); err != nil {
			return nil, err
		}
		ruleset = append(ruleset, rule)
	}
	return ruleset, nil
}
