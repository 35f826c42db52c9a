package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/atomic"

	"github.com/hylde/hylde/internal/version"
)

// rpcClient 是 aria2 JSON-RPC over HTTP 的最小客户端。
type rpcClient struct {
	endpoint string
	secret   string
	http     *http.Client
	seq      atomic.Uint64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// status 是 aria2.tellStatus 中用到的字段。
type status struct {
	GID          string `json:"gid"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Files        []struct {
		Path string `json:"path"`
	} `json:"files"`
}

var statusKeys = []string{"gid", "status", "errorCode", "errorMessage", "files"}

func (c *rpcClient) call(ctx context.Context, method string, result any, params ...any) error {
	if c.secret != "" {
		params = append([]any{"token:" + c.secret}, params...)
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "hylde-" + strconv.FormatUint(c.seq.Inc(), 10),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%s: decode response (http %d): %w", method, resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, result)
}

func (c *rpcClient) addURI(ctx context.Context, url, dir string) (string, error) {
	var gid string
	err := c.call(ctx, "aria2.addUri", &gid, []string{url}, map[string]string{"dir": dir})
	return gid, err
}

func (c *rpcClient) tellStatus(ctx context.Context, gid string) (status, error) {
	var st status
	err := c.call(ctx, "aria2.tellStatus", &st, gid, statusKeys)
	return st, err
}

func (c *rpcClient) forceRemove(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.forceRemove", nil, gid)
}

func (c *rpcClient) removeDownloadResult(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.removeDownloadResult", nil, gid)
}
