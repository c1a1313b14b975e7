package refreshclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// Comfortably larger than one provider round trip; a timeout is a
	// transient failure, never a verdict on the grant.
	refreshTimeout = 10 * time.Second
)

type tokenHTTPClient struct {
	timeout time.Duration
}

func newHTTPClient() *tokenHTTPClient {
	return &tokenHTTPClient{
		timeout: refreshTimeout,
	}
}

func (c tokenHTTPClient) Send(ctx context.Context, method string, url string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, []byte{}, fmt.Errorf("error creating http request for %s %s: %s", method, url, err)
	}

	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	httpClient := &http.Client{
		Timeout: c.timeout,
	}
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return 0, []byte{}, fmt.Errorf("error calling %s %s: %s", method, url, err)
	}
	defer httpResp.Body.Close()

	respPayload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return 0, []byte{}, fmt.Errorf("error reading response %s %s: %s", method, url, err)
	}

	return httpResp.StatusCode, respPayload, nil
}
