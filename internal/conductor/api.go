package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ssd-technologies/holonet/internal/cell"
	"github.com/ssd-technologies/holonet/internal/chain"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/ratelimit"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// maxAPIBodySize is the maximum allowed request body.
const maxAPIBodySize = 10 << 20 // 10 MB

// DefaultAppRateLimit is the number of app API requests one client address
// may make per minute.
const DefaultAppRateLimit = 600

// Request is the tagged envelope every API call is sent in.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is the tagged envelope every API answer comes back in.
type Response struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WireError is the data of an "error" response.
type WireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// API serves the admin and app interfaces of a conductor.
type API struct {
	c       *Conductor
	logger  *slog.Logger
	limiter *ratelimit.Keyed[string]
}

// NewAPI builds the HTTP surface. rate is app requests per minute per
// client address; zero means DefaultAppRateLimit.
func NewAPI(c *Conductor, rate int) *API {
	if rate <= 0 {
		rate = DefaultAppRateLimit
	}
	return &API{
		c:       c,
		logger:  c.cfg.Logger.With("component", "api"),
		limiter: ratelimit.NewKeyed[string](rate, time.Minute, c.cfg.Clock.Now),
	}
}

// Handler returns the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/admin", a.serve("admin", a.admin))
	r.With(a.rateLimit).Post("/app", a.serve("app", a.app))
	return r
}

// Cleanup forgets rate-limit windows that have ended.
func (a *API) Cleanup() int {
	return a.limiter.Cleanup()
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.c.mu.RLock()
	apps, cells := len(a.c.apps), len(a.c.cells)
	a.c.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "holonet",
		"apps":    apps,
		"cells":   cells,
	})
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client IP from a request, respecting
// X-Forwarded-For for proxied deployments.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type dispatchFunc func(ctx context.Context, req Request) (Response, error)

func (a *API) serve(iface string, dispatch dispatchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed request: "+err.Error())
			return
		}
		resp, err := dispatch(r.Context(), req)
		if err != nil {
			status, wire := toWireError(err)
			if status >= http.StatusInternalServerError {
				a.logger.Error("api request failed", "interface", iface, "type", req.Type, "err", err)
			}
			metrics.APIRequests.WithLabelValues(iface, req.Type, "error").Inc()
			writeJSON(w, status, Response{Type: "error", Data: wire})
			return
		}
		metrics.APIRequests.WithLabelValues(iface, req.Type, resp.Type).Inc()
		writeJSON(w, http.StatusOK, resp)
	}
}

// badRequestError marks a request that could not be decoded.
type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func decodeData(req Request, v any) error {
	if len(req.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return &badRequestError{fmt.Errorf("decode %s: %w", req.Type, err)}
	}
	return nil
}

func toWireError(err error) (int, WireError) {
	var (
		bad    *badRequestError
		netErr *cell.NetworkError
		invErr *cell.ValidationFailedError
		moved  *chain.HeadMovedError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, WireError{"bad_request", err.Error()}
	case errors.Is(err, cell.ErrUnauthorized):
		return http.StatusForbidden, WireError{"unauthorized", err.Error()}
	case errors.Is(err, ErrAppNotFound), errors.Is(err, ErrCellMissing),
		errors.Is(err, ErrRoleNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, WireError{"not_found", err.Error()}
	case errors.Is(err, ErrAppExists):
		return http.StatusConflict, WireError{"conflict", err.Error()}
	case errors.As(err, &invErr):
		return http.StatusUnprocessableEntity, WireError{"validation_failed", err.Error()}
	case errors.As(err, &moved):
		return http.StatusConflict, WireError{"head_moved", err.Error()}
	case errors.As(err, &netErr):
		return http.StatusBadGateway, WireError{"network_error", err.Error()}
	case errors.Is(err, ErrRibosomeNotFound):
		return http.StatusBadRequest, WireError{"bad_request", err.Error()}
	}
	return http.StatusInternalServerError, WireError{"internal_error", err.Error()}
}

type appIDData struct {
	ID string `json:"installed_app_id"`
}

type grantData struct {
	CellID   types.CellID   `json:"cell_id"`
	CapGrant types.CapGrant `json:"cap_grant"`
}

type agentInfoData struct {
	AgentInfos []dht.AgentInfo `json:"agent_infos"`
}

type agentInfoQuery struct {
	Dna *hash.Hash `json:"dna_hash,omitempty"`
}

type gossipInfoQuery struct {
	Dnas []hash.Hash `json:"dna_hashes,omitempty"`
}

func (a *API) admin(ctx context.Context, req Request) (Response, error) {
	c := a.c
	switch req.Type {
	case "install_app":
		var d InstallAppRequest
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		info, err := c.InstallApp(ctx, d)
		return Response{"app_installed", info}, err

	case "enable_app":
		var d appIDData
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		info, err := c.EnableApp(ctx, d.ID)
		return Response{"app_enabled", info}, err

	case "disable_app":
		var d appIDData
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		info, err := c.DisableApp(ctx, d.ID)
		return Response{"app_disabled", info}, err

	case "list_apps":
		return Response{"apps_listed", c.ListApps()}, nil

	case "create_clone_cell":
		var d CreateCloneCellRequest
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		info, err := c.CreateCloneCell(ctx, d)
		return Response{"clone_cell_created", info}, err

	case "grant_zome_call_capability":
		var d grantData
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		h, err := c.GrantZomeCallCapability(ctx, d.CellID, d.CapGrant)
		return Response{"zome_call_capability_granted", map[string]hash.Hash{"action_hash": h}}, err

	case "add_agent_info":
		var d agentInfoData
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		return Response{Type: "agent_info_added"}, c.AddAgentInfo(d.AgentInfos)

	case "agent_info":
		var d agentInfoQuery
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		infos, err := c.AgentInfo(d.Dna)
		if infos == nil {
			infos = []dht.AgentInfo{}
		}
		return Response{"agent_info", infos}, err

	case "gossip_info":
		var d gossipInfoQuery
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		return Response{"gossip_info", c.GossipInfo(ctx, d.Dnas)}, nil
	}
	return Response{}, &badRequestError{fmt.Errorf("unknown admin request %q", req.Type)}
}

type zomeCallData struct {
	cell.SignedZomeCall
	// ChainTopOrdering is "strict" (default) or "relaxed".
	ChainTopOrdering string `json:"chain_top_ordering,omitempty"`
}

func parseOrdering(s string) (chain.FlushMode, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return chain.Strict, nil
	case "relaxed":
		return chain.Relaxed, nil
	}
	return chain.Strict, &badRequestError{fmt.Errorf("unknown chain top ordering %q", s)}
}

func (a *API) app(ctx context.Context, req Request) (Response, error) {
	c := a.c
	switch req.Type {
	case "app_info":
		var d appIDData
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		info, err := c.AppInfo(d.ID)
		return Response{"app_info", info}, err

	case "zome_call":
		var d zomeCallData
		if err := decodeData(req, &d); err != nil {
			return Response{}, err
		}
		ordering, err := parseOrdering(d.ChainTopOrdering)
		if err != nil {
			return Response{}, err
		}
		out, err := c.CallZome(ctx, d.SignedZomeCall, ordering)
		if err != nil {
			return Response{}, err
		}
		if json.Valid(out) {
			return Response{"zome_called", json.RawMessage(out)}, nil
		}
		return Response{"zome_called", out}, nil
	}
	return Response{}, &badRequestError{fmt.Errorf("unknown app request %q", req.Type)}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an "error" response outside of request dispatch.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, Response{Type: "error", Data: WireError{Type: kind, Message: msg}})
}

// readBody reads the request body, enforcing a size limit. It writes the
// error response itself and returns false on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return nil, false
	}
	if len(body) > maxAPIBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "bad_request", "request body too large")
		return nil, false
	}
	return body, true
}
