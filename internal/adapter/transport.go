package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sagaflow/platform/pkg/errkind"
)

// HTTPTransport calls participant invoke/compensate endpoints. Targets
// are full URLs taken from the step definition. Timeouts come from the
// request context; the client itself sets none.
type HTTPTransport struct {
	client        *http.Client
	internalToken string
}

// NewHTTPTransport 创建 HTTP 传输
func NewHTTPTransport(internalToken string) *HTTPTransport {
	return &HTTPTransport{
		client:        &http.Client{},
		internalToken: internalToken,
	}
}

func (t *HTTPTransport) Invoke(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
	body, err := t.post(ctx, target, req)
	if err != nil {
		return nil, err
	}

	var resp InvokeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errkind.Newf(errkind.KindTransient, "", "decode invoke response: %v", err)
	}
	if !resp.Success {
		return nil, responseError(resp.ErrorKind, resp.ErrorCode, resp.Message)
	}
	return &resp, nil
}

func (t *HTTPTransport) Compensate(ctx context.Context, target string, req *CompensateRequest) error {
	body, err := t.post(ctx, target, req)
	if err != nil {
		return err
	}

	var resp CompensateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errkind.Newf(errkind.KindTransient, "", "decode compensate response: %v", err)
	}
	if !resp.Success {
		return responseError(resp.ErrorKind, resp.ErrorCode, resp.Message)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, url string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.Newf(errkind.KindFatalInternal, "", "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, errkind.Newf(errkind.KindFatalInternal, "", "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.internalToken != "" {
		req.Header.Set("X-Internal-Token", t.internalToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errkind.Newf(errkind.KindTransient, "", "do request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Newf(errkind.KindTransient, "", "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, errkind.Newf(errkind.KindUnavailable, "", "participant status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, errkind.Newf(errkind.KindTransient, "", "participant status %d", resp.StatusCode)
	default:
		// 4xx: domain precondition violation
		return nil, responseError("", "", fmt.Sprintf("participant status %d: %s", resp.StatusCode, respBody))
	}
}

// responseError rebuilds a typed error from the wire representation,
// defaulting unclassified rejections to BUSINESS.
func responseError(kind, code, message string) error {
	k := errkind.Kind(kind)
	switch k {
	case errkind.KindTransient, errkind.KindBusiness, errkind.KindUnavailable,
		errkind.KindTimeout, errkind.KindCanceled, errkind.KindFatalInternal:
	default:
		k = errkind.KindBusiness
	}
	return errkind.New(k, code, message)
}

var _ Transport = (*HTTPTransport)(nil)
