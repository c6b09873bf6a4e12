package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/dotcommander/loopd/internal/app"
	"github.com/dotcommander/loopd/internal/output"
)

// apiClient talks to a running `loopd serve`. Launching needs the server's
// exit monitor, so every mutating phase command goes through it.
type apiClient struct {
	base      string
	requestID string
	http      *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = app.EffectiveRuntime().ListenAddr
	}
	return &apiClient{
		base:      baseURL(addr),
		requestID: resolveRequestID(cmd),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// do sends body as JSON and decodes the response envelope.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (output.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return output.Response{}, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return output.Response{}, err
	}
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if c.requestID != "" {
		req.Header.Set(echo.HeaderXRequestID, c.requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return output.Response{}, fmt.Errorf("loopd server unreachable at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out output.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return output.Response{}, fmt.Errorf("unexpected response from %s (status %d): %w", c.base, resp.StatusCode, err)
	}
	return out, nil
}

// relay prints the server's envelope unchanged and fails the command when it
// reports an error.
func relay(resp output.Response, err error) error {
	if err != nil {
		return cmdErr(err)
	}
	if perr := output.Print(resp); perr != nil {
		return perr
	}
	if !resp.Success {
		return printedError{err: fmt.Errorf("%s", resp.Error)}
	}
	return nil
}
