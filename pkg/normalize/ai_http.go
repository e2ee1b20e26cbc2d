package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sbsmw/claimproc/internal/errs"
)

// HTTPAISuggester calls an external AI suggestion endpoint over plain
// net/http, in the gateway client's direct-net/http style (no framework).
// Grounded on the teacher's pkg/integration.Caller abstraction: one small
// interface (AISuggester), one concrete HTTP-backed implementation.
type HTTPAISuggester struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewHTTPAISuggester creates an HTTPAISuggester. timeout bounds every call
// (§6 ai.timeout); the Normalizer's circuit breaker, not this type, handles
// repeated-failure degradation.
func NewHTTPAISuggester(baseURL, token string, timeout time.Duration) *HTTPAISuggester {
	return &HTTPAISuggester{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
	}
}

type aiSuggestRequest struct {
	InternalCode string `json:"internal_code"`
	Description  string `json:"description"`
}

type aiSuggestResponse struct {
	SBSCodeCandidate string  `json:"sbs_code_candidate"`
	Description      string  `json:"description"`
	Confidence       float64 `json:"confidence"`
}

// Suggest implements AISuggester.
func (s *HTTPAISuggester) Suggest(ctx context.Context, internalCode, description string) (Suggestion, error) {
	body, err := json.Marshal(aiSuggestRequest{InternalCode: internalCode, Description: description})
	if err != nil {
		return Suggestion{}, errs.Wrap(errs.Internal, "AI_REQUEST_ENCODE_FAILED", "encoding AI suggestion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/suggest", bytes.NewReader(body))
	if err != nil {
		return Suggestion{}, errs.Wrap(errs.Internal, "AI_REQUEST_BUILD_FAILED", "building AI suggestion request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Suggestion{}, errs.Wrap(errs.UpstreamUnavailable, "AI_CALL_FAILED", "calling AI suggestion endpoint", err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Suggestion{}, errs.New(errs.NotFound, "AI_NO_SUGGESTION", "AI endpoint reported no candidate")
	}
	if resp.StatusCode != http.StatusOK {
		return Suggestion{}, errs.New(errs.UpstreamUnavailable, "AI_CALL_REJECTED", fmt.Sprintf("AI endpoint returned status %d", resp.StatusCode)).WithRetryable(true)
	}

	var out aiSuggestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Suggestion{}, errs.Wrap(errs.DataCorrupt, "AI_RESPONSE_MALFORMED", "decoding AI suggestion response", err)
	}

	confidence := out.Confidence
	if confidence <= 0 {
		confidence = 0.75 // default per §4.4 step 3 when the provider omits one
	}
	if confidence > 1 {
		confidence = 1
	}

	return Suggestion{
		SBSCodeCandidate: out.SBSCodeCandidate,
		Description:      out.Description,
		Confidence:       confidence,
	}, nil
}
