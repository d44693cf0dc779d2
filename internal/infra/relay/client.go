// Package relay implements the HTTP client used to probe service nodes
// and to dispatch consensus relays. The wire payload itself is opaque to
// the gateway: it is forwarded as-is and only the JSON-RPC envelope of the
// response is interpreted.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/nodegate/internal/check"
	"github.com/vietddude/nodegate/internal/core/domain"
)

// maxResponseBytes caps how much of a node response is read. A chain or
// height reply is a small JSON-RPC envelope; anything past the cap is a
// misbehaving node and the truncated body fails JSON decoding.
const maxResponseBytes = 1 << 20

// allowancePatterns mark responses from nodes that are over their relay
// allowance for the session. Matching is case-insensitive substring.
var allowancePatterns = []string{
	"evidence is sealed",
	"max relays reached",
	"maximum number of relays",
	"over service",
}

// Config holds relay client settings.
type Config struct {
	// Timeout bounds each individual probe.
	Timeout time.Duration `yaml:"timeout"`

	// DispatcherURL receives consensus-mode relays.
	DispatcherURL string `yaml:"dispatcher_url"`

	// UserAgent identifies the gateway to nodes. Optional.
	UserAgent string `yaml:"user_agent"`
}

// Client probes service nodes over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a relay client with a pooled transport.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ProbeChain relays the chain-identity payload to one node and returns the
// chain identifier it reports.
func (c *Client) ProbeChain(ctx context.Context, node domain.Node, payload, blockchainID string) (check.ChainReply, error) {
	body, perr := c.relay(ctx, node, payload, blockchainID)
	if perr != nil {
		return check.ChainReply{}, perr
	}

	var reported string
	if uerr := json.Unmarshal(body.result, &reported); uerr != nil {
		return check.ChainReply{}, &domain.ProbeError{
			Cause: domain.CauseMalformed,
			Node:  node.PublicKey,
			Err:   fmt.Errorf("parse chain id: %w", uerr),
		}
	}

	return check.ChainReply{ChainID: reported, Bytes: body.size}, nil
}

// ProbeHeight relays the block-height payload to one node and returns the
// height it reports. Hex-encoded and numeric results are both accepted.
func (c *Client) ProbeHeight(ctx context.Context, node domain.Node, payload, blockchainID string) (check.HeightReply, error) {
	body, perr := c.relay(ctx, node, payload, blockchainID)
	if perr != nil {
		return check.HeightReply{}, perr
	}

	height, herr := parseHeight(body.result)
	if herr != nil {
		return check.HeightReply{}, &domain.ProbeError{
			Cause: domain.CauseMalformed,
			Node:  node.PublicKey,
			Err:   herr,
		}
	}

	return check.HeightReply{Height: height, Bytes: body.size}, nil
}

// Challenge dispatches the payload as a consensus relay: the dispatcher
// fans it to multiple nodes and the network reconciles the responses.
func (c *Client) Challenge(ctx context.Context, payload, blockchainID string) error {
	reqBody, err := json.Marshal(map[string]any{
		"payload":       json.RawMessage(payload),
		"blockchain_id": blockchainID,
		"consensus":     true,
	})
	if err != nil {
		return fmt.Errorf("marshal challenge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DispatcherURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create challenge request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("challenge relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("challenge relay http %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

type relayBody struct {
	result json.RawMessage
	size   int
}

// relay posts the opaque payload to a node and classifies every failure
// mode into a ProbeError cause.
func (c *Client) relay(ctx context.Context, node domain.Node, payload, blockchainID string) (relayBody, error) {
	var out relayBody

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.ServiceURL, strings.NewReader(payload))
	if err != nil {
		return out, &domain.ProbeError{Cause: domain.CauseTransport, Node: node.PublicKey, Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Blockchain-Id", blockchainID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cause := domain.CauseTransport
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			cause = domain.CauseTimeout
		}
		return out, &domain.ProbeError{Cause: cause, Node: node.PublicKey, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return out, &domain.ProbeError{Cause: domain.CauseTransport, Node: node.PublicKey, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		cause := domain.CauseTransport
		if isAllowanceExceeded(string(body)) {
			cause = domain.CauseAllowance
		}
		return out, &domain.ProbeError{
			Cause: cause,
			Node:  node.PublicKey,
			Err:   fmt.Errorf("http %d: %s", resp.StatusCode, string(body)),
		}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return out, &domain.ProbeError{
			Cause: domain.CauseMalformed,
			Node:  node.PublicKey,
			Err:   fmt.Errorf("parse response: %w", err),
		}
	}

	if rpcResp.Error != nil {
		cause := domain.CauseMalformed
		if isAllowanceExceeded(rpcResp.Error.Message) {
			cause = domain.CauseAllowance
		}
		return out, &domain.ProbeError{
			Cause: cause,
			Node:  node.PublicKey,
			Err:   fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message),
		}
	}

	out.result = rpcResp.Result
	out.size = len(body)
	return out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
}

func isAllowanceExceeded(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range allowancePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var terr interface{ Timeout() bool }
	return errors.As(err, &terr) && terr.Timeout()
}

func parseHeight(raw json.RawMessage) (uint64, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if hexStr, ok := strings.CutPrefix(asString, "0x"); ok {
			v, herr := strconv.ParseUint(hexStr, 16, 64)
			if herr != nil {
				return 0, fmt.Errorf("invalid hex height: %q", asString)
			}
			return v, nil
		}
		if v, derr := strconv.ParseUint(asString, 10, 64); derr == nil {
			return v, nil
		}
		return 0, fmt.Errorf("invalid height string: %q", asString)
	}

	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber, nil
	}
	return 0, fmt.Errorf("invalid height payload: %s", string(raw))
}
