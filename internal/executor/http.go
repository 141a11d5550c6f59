// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// maxResponseBytes bounds how much of a tool response is read back.
const maxResponseBytes = 1 << 20

// CredentialInjector authenticates an outbound tool request.
type CredentialInjector interface {
	Inject(req *http.Request, toolName string) error
}

// HTTPAdapter calls external tool endpoints. The tool's JSON arguments go
// out as the POST body; the response body comes back as the tool output.
type HTTPAdapter struct {
	client   *http.Client
	injector CredentialInjector
}

// NewHTTPAdapter creates an HTTPAdapter. A nil client falls back to
// http.DefaultClient; per-call deadlines come from the caller's context.
func NewHTTPAdapter(client *http.Client, injector CredentialInjector) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{client: client, injector: injector}
}

// Call executes one external tool request.
func (a *HTTPAdapter) Call(ctx context.Context, desc *catalog.ToolDescriptor, req Request) (string, error) {
	if desc.Endpoint == "" {
		return "", bderr.New(bderr.CodeExecutorCallRejected,
			"tool has no endpoint", bderr.FieldTool(desc.Name))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewBufferString(req.Arguments))
	if err != nil {
		return "", bderr.Wrapf(err, bderr.CodeExecutorArgsInvalid, "building request for %s", desc.Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if a.injector != nil {
		if err := a.injector.Inject(httpReq, desc.Name); err != nil {
			return "", bderr.Wrapf(err, bderr.CodeExecutorCredentialDenied,
				"injecting credentials for %s", desc.Name)
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		// Network-level failures are transient and retryable.
		return "", bderr.Wrapf(err, bderr.CodeExecutorCallTransient, "calling %s", desc.Name)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", bderr.Wrapf(err, bderr.CodeExecutorCallTransient, "reading response from %s", desc.Name)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", bderr.Errorf(bderr.CodeExecutorCallTransient,
			"%s returned %d: %s", desc.Name, resp.StatusCode, truncateArgs(string(body)))
	case resp.StatusCode >= 400:
		// Client errors are final; retrying the same arguments cannot
		// succeed.
		return "", bderr.Errorf(bderr.CodeExecutorArgsInvalid,
			"%s returned %d: %s", desc.Name, resp.StatusCode, truncateArgs(string(body)))
	}

	return string(body), nil
}
