package drivermgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// LoopSyncer runs a function on the dispatcher loop and waits for it.
type LoopSyncer interface {
	Sync(ctx context.Context, fn func()) error
}

// NodesPage is the body of GET /v1/nodes.
type NodesPage struct {
	Nodes      []NodeInfo `json:"nodes"`
	NextOffset int        `json:"next_offset"`
}

// OrphanBindResponse is the body of POST /v1/orphans/bind.
type OrphanBindResponse struct {
	Bound []BindResult `json:"bound"`
}

// InspectHandlerConfig holds configuration for the introspection handler
type InspectHandlerConfig struct {
	Runner *Runner
	Loop   LoopSyncer
	Logger Logger
	// Timeout bounds each request, including an orphan sweep (default: 30s)
	Timeout time.Duration
}

type inspectHandler struct {
	runner  *Runner
	loop    LoopSyncer
	logger  Logger
	timeout time.Duration
}

// NewInspectHandler serves node introspection and manual orphan sweeps.
func NewInspectHandler(cfg InspectHandlerConfig) http.Handler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewNopLogger()
	}
	h := &inspectHandler{runner: cfg.Runner, loop: cfg.Loop, logger: logger, timeout: timeout}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/nodes", h.listNodes)
	mux.HandleFunc("POST /v1/orphans/bind", h.bindOrphans)
	return mux
}

func (h *inspectHandler) listNodes(w http.ResponseWriter, req *http.Request) {
	offset := 0
	if s := req.URL.Query().Get("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = v
	}

	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()

	var page NodesPage
	err := h.loop.Sync(ctx, func() {
		page.Nodes, page.NextOffset = h.runner.NodeInfoPage(offset)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if page.Nodes == nil {
		page.Nodes = []NodeInfo{}
	}
	h.writeJSON(w, page)
}

func (h *inspectHandler) bindOrphans(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()

	results, err := SweepOrphans(ctx, h.loop, h.runner)
	if err != nil {
		http.Error(w, "orphan sweep did not finish: "+err.Error(), http.StatusGatewayTimeout)
		return
	}
	h.logger.Info("orphan sweep requested", "bound", len(results))
	if results == nil {
		results = []BindResult{}
	}
	h.writeJSON(w, OrphanBindResponse{Bound: results})
}

func (h *inspectHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// InspectClientConfig holds configuration for the introspection client
type InspectClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     Logger
}

// InspectClient talks to a driver manager's introspection endpoint.
type InspectClient struct {
	baseURL    string
	httpClient *http.Client
	logger     Logger
}

func NewInspectClient(cfg InspectClientConfig) *InspectClient {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8091"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewNopLogger()
	}
	return &InspectClient{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// ListNodes fetches every page of the node listing.
func (c *InspectClient) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	var all []NodeInfo
	offset := 0
	for {
		var page NodesPage
		url := fmt.Sprintf("%s/v1/nodes?offset=%d", c.baseURL, offset)
		if err := c.do(ctx, http.MethodGet, url, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Nodes...)
		if page.NextOffset < 0 || len(page.Nodes) == 0 {
			return all, nil
		}
		offset = page.NextOffset
	}
}

// BindOrphans triggers an orphan sweep and returns the nodes it bound.
func (c *InspectClient) BindOrphans(ctx context.Context) ([]BindResult, error) {
	var resp OrphanBindResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/orphans/bind", &resp); err != nil {
		return nil, err
	}
	return resp.Bound, nil
}

func (c *InspectClient) do(ctx context.Context, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	c.logger.Debug("introspection request", "method", method, "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s - %s", method, url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
