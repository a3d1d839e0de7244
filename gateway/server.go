package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gigledger/config"
	"gigledger/core/state"
	"gigledger/native/engage"
	"gigledger/observability"
)

// Server exposes the engagement ledger over HTTP. The state manager is not
// safe for concurrent use, so every handler holds the server's lock: mutations
// exclusively, reads shared. Mutations commit through the manager's pending
// overlay, so a failed operation leaves no partial writes behind.
type Server struct {
	engine  *engage.Engine
	state   *state.Manager
	auth    *Authenticator
	limiter *RateLimiter
	store   *AuditStore
	metrics *observability.LedgerMetrics
	log     *slog.Logger

	metricsPath string

	mu sync.RWMutex
}

// NewServer assembles the gateway around an engine and its backing manager.
// The audit store may be nil, which disables idempotency caching and request
// auditing.
func NewServer(engine *engage.Engine, manager *state.Manager, auth *Authenticator, limiter *RateLimiter, store *AuditStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:      engine,
		state:       manager,
		auth:        auth,
		limiter:     limiter,
		store:       store,
		metrics:     observability.Metrics(),
		log:         log,
		metricsPath: "/metrics",
	}
}

// SetMetricsPath overrides the Prometheus scrape route.
func (s *Server) SetMetricsPath(path string) {
	if strings.TrimSpace(path) != "" {
		s.metricsPath = path
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.rateLimit)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, s.metricsPath, promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/fees", s.handleGetFees)
		r.Put("/fees/provider", s.mutation("set_provider_fee", s.handleSetProviderFee))
		r.Put("/fees/org", s.mutation("set_org_fee", s.handleSetOrgFee))
		r.Post("/escrows", s.mutation("hire", s.handleHire))
		r.Post("/escrows/complete", s.mutation("mark_completed", s.handleMarkCompleted))
		r.Post("/escrows/approve", s.mutation("approve_release", s.handleApproveRelease))
		r.Post("/escrows/escalate", s.mutation("escalate", s.handleEscalate))
		r.Post("/escrows/resolve", s.mutation("resolve", s.handleResolve))
		r.Get("/escrows", s.handleGetEscrow)
		r.Get("/escrows/position", s.handleFindPosition)
		r.Get("/organizations/{address}/history", s.handleOrganizationHistory)
		r.Get("/providers/{address}/history", s.handleProviderHistory)
	})
	return r
}

type ctxKey int

const (
	ctxPrincipal ctxKey = iota
	ctxRequestID
)

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(r) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ctxPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) *Principal {
	principal, _ := r.Context().Value(ctxPrincipal).(*Principal)
	return principal
}

// mutationFunc handles one state-changing request and returns the response
// status and body. The server serialises calls and wraps each in one ledger
// transaction.
type mutationFunc func(r *http.Request, principal *Principal, body []byte) (int, interface{}, error)

func (s *Server) mutation(operation string, fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		principal := principalFrom(r)
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "unable to read request body")
			return
		}
		subject := hexAddress(principal.Address)
		idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		requestHash := hashBody(body)
		if idemKey != "" && s.store != nil {
			cached, err := s.store.LookupIdempotency(r.Context(), subject, idemKey, requestHash)
			if err != nil {
				if errors.Is(err, ErrIdempotencyMismatch) {
					writeError(w, http.StatusConflict, "idempotency_mismatch", err.Error())
					return
				}
				s.log.Error("idempotency lookup failed", "error", err)
			} else if cached != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}
		}

		status, payload, opErr := func() (int, interface{}, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			var (
				st  int
				pl  interface{}
				err error
			)
			runErr := s.state.Run(func() error {
				st, pl, err = fn(r, principal, body)
				return err
			})
			if runErr != nil {
				return 0, nil, runErr
			}
			return st, pl, nil
		}()

		outcome := "ok"
		if opErr != nil {
			outcome = "error"
			status, payload = errorPayload(opErr)
		}
		s.metrics.Observe(operation, outcome, time.Since(started))

		encoded, err := json.Marshal(payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "response encoding failed")
			return
		}
		if s.store != nil {
			if idemKey != "" && opErr == nil {
				if err := s.store.StoreIdempotency(r.Context(), subject, idemKey, requestHash, status, encoded); err != nil {
					s.log.Error("idempotency store failed", "error", err)
				}
			}
			if err := s.store.RecordAudit(r.Context(), subject, r.Method, r.URL.Path, status); err != nil {
				s.log.Error("audit record failed", "error", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(encoded)
	}
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorPayload(err error) (int, interface{}) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, engage.ErrInvalidAmount), errors.Is(err, engage.ErrInvalidNote):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, engage.ErrUnauthorized):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, engage.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, engage.ErrFeeUnchanged), errors.Is(err, engage.ErrStaleEscrow):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, engage.ErrTransferFailed):
		status, code = http.StatusUnprocessableEntity, "transfer_failed"
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	return status, body
}

var errBadRequest = errors.New("gateway: invalid request")

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func hexAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", errBadRequest, raw)
	}
	return value, nil
}

// escrowView is the JSON projection of a stored escrow record.
type escrowView struct {
	Provider    string `json:"provider"`
	ProjectID   string `json:"projectId"`
	GrossAmount string `json:"grossAmount"`
	NetAmount   string `json:"netAmount"`
	OrgFee      string `json:"orgFee"`
	ProviderFee string `json:"providerFee"`
	Status      string `json:"status"`
	Note        string `json:"note"`
}

func viewEscrow(rec *engage.EscrowRecord) escrowView {
	if rec == nil {
		return escrowView{}
	}
	return escrowView{
		Provider:    hexAddress(rec.Provider),
		ProjectID:   rec.ProjectID,
		GrossAmount: rec.GrossAmount().String(),
		NetAmount:   rec.NetAmount.String(),
		OrgFee:      rec.OrgFee.String(),
		ProviderFee: rec.ProviderFee.String(),
		Status:      rec.Status.String(),
		Note:        string(rec.Note.Bytes()),
	}
}

func (s *Server) handleGetFees(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	provider, err := s.engine.ProviderFeeRate()
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	org, err := s.engine.OrgFeeRate()
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{
		"providerRate": provider,
		"orgRate":      org,
	})
}

type feeRequest struct {
	Rate uint32 `json:"rate"`
}

func (s *Server) handleSetProviderFee(r *http.Request, principal *Principal, body []byte) (int, interface{}, error) {
	if !principal.HasScope(ScopeArbiter) {
		return 0, nil, fmt.Errorf("%w: arbiter scope required", engage.ErrUnauthorized)
	}
	var req feeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.engine.SetProviderFeeRate(principal.Address, req.Rate); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]uint32{"providerRate": req.Rate}, nil
}

func (s *Server) handleSetOrgFee(r *http.Request, principal *Principal, body []byte) (int, interface{}, error) {
	if !principal.HasScope(ScopeArbiter) {
		return 0, nil, fmt.Errorf("%w: arbiter scope required", engage.ErrUnauthorized)
	}
	var req feeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.engine.SetOrgFeeRate(principal.Address, req.Rate); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]uint32{"orgRate": req.Rate}, nil
}

type hireRequest struct {
	Provider    string `json:"provider"`
	ProjectID   string `json:"projectId"`
	GrossAmount string `json:"grossAmount"`
	Note        string `json:"note"`
}

func (s *Server) handleHire(r *http.Request, principal *Principal, body []byte) (int, interface{}, error) {
	var req hireRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	provider, err := config.DecodeAddress(req.Provider)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: provider: %v", errBadRequest, err)
	}
	gross, err := parseAmount(req.GrossAmount)
	if err != nil {
		return 0, nil, err
	}
	note, err := engage.NewNote([]byte(req.Note))
	if err != nil {
		return 0, nil, err
	}
	index, err := s.engine.Hire(principal.Address, provider, req.ProjectID, note, gross)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]interface{}{
		"escrowIndex": index,
	}, nil
}

// engagementRef identifies an existing engagement by its composite business
// key. The organization or provider field matching the caller's role is
// implied by the bearer token subject.
type engagementRef struct {
	Organization string `json:"organization,omitempty"`
	Provider     string `json:"provider,omitempty"`
	ProjectID    string `json:"projectId"`
	GrossAmount  string `json:"grossAmount"`
}

func (s *Server) handleMarkCompleted(r *http.Request, principal *Principal, body []byte) (int, interface{}, error) {
	var req engagementRef
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	organization, err := config.DecodeAddress(req.Organization)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: organization: %v", errBadRequest, err)
	}
	gross, err := parseAmount(req.GrossAmount)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.MarkCompleted(principal.Address, organization, req.ProjectID, gross); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]string{"status": engage.StatusCompleted.String()}, nil
}

func (s *Server) handleApproveRelease(r *http.Request, principal *Principal, body []byte) (int, interface{}, error) {
	var req engagementRef
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	provider, err := config.DecodeAddress(req.Provider)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: provider: %v", errBadRequest, err)
	}
	gross, err := parseAmount(req.GrossAmount)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.ApproveRelease(principal.Address, provider, req.ProjectID, gross); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]string{"status": engage.StatusFinished.String()}, nil
}

type escalateRequest struct {
	Role         string `json:"role"`
	Counterparty string `json:"counterparty"`
	ProjectID    string `json:"projectId"`
	GrossAmount  string `json:"grossAmount"`
}

func (s *Server) handleEscalate(r *http.Request, principal *Principal, body []byte) (int, interface{}, error) {
	var req escalateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	var role engage.Role
	switch strings.ToLower(strings.TrimSpace(req.Role)) {
	case "organization":
		role = engage.RoleOrganization
	case "provider":
		role = engage.RoleProvider
	default:
		return 0, nil, fmt.Errorf("%w: role must be organization or provider", errBadRequest)
	}
	counterparty, err := config.DecodeAddress(req.Counterparty)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: counterparty: %v", errBadRequest, err)
	}
	gross, err := parseAmount(req.GrossAmount)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.Escalate(role, principal.Address, counterparty, req.ProjectID, gross); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]string{"status": engage.StatusReviewed.String()}, nil
}

type resolveRequest struct {
	Decision     string `json:"decision"`
	Organization string `json:"organization"`
	Provider     string `json:"provider"`
	ProjectID    string `json:"projectId"`
	GrossAmount  string `json:"grossAmount"`
}

func (s *Server) handleResolve(r *http.Request, principal *Principal, body []byte) (int, interface{}, error) {
	if !principal.HasScope(ScopeArbiter) {
		return 0, nil, fmt.Errorf("%w: arbiter scope required", engage.ErrUnauthorized)
	}
	var req resolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	var decision engage.Decision
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "refund":
		decision = engage.DecisionRefund
	case "release":
		decision = engage.DecisionRelease
	default:
		return 0, nil, fmt.Errorf("%w: decision must be refund or release", errBadRequest)
	}
	organization, err := config.DecodeAddress(req.Organization)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: organization: %v", errBadRequest, err)
	}
	provider, err := config.DecodeAddress(req.Provider)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: provider: %v", errBadRequest, err)
	}
	gross, err := parseAmount(req.GrossAmount)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.Resolve(decision, principal.Address, organization, provider, req.ProjectID, gross); err != nil {
		return 0, nil, err
	}
	final := engage.StatusFinished
	if decision == engage.DecisionRefund {
		final = engage.StatusCanceled
	}
	return http.StatusOK, map[string]string{"status": final.String()}, nil
}

func (s *Server) engagementQuery(r *http.Request) (organization, provider [20]byte, projectID string, gross *big.Int, err error) {
	q := r.URL.Query()
	organization, err = config.DecodeAddress(q.Get("organization"))
	if err != nil {
		err = fmt.Errorf("%w: organization: %v", errBadRequest, err)
		return
	}
	provider, err = config.DecodeAddress(q.Get("provider"))
	if err != nil {
		err = fmt.Errorf("%w: provider: %v", errBadRequest, err)
		return
	}
	projectID = q.Get("project")
	gross, err = parseAmount(q.Get("gross"))
	return
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	organization, provider, projectID, gross, err := s.engagementQuery(r)
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	s.mu.RLock()
	rec, found, err := s.engine.GetEscrow(organization, provider, projectID, gross)
	s.mu.RUnlock()
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no engagement matches the supplied key")
		return
	}
	writeJSON(w, http.StatusOK, viewEscrow(rec))
}

func (s *Server) handleFindPosition(w http.ResponseWriter, r *http.Request) {
	organization, provider, projectID, gross, err := s.engagementQuery(r)
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	s.mu.RLock()
	position, found, err := s.engine.FindTransactionNumber(organization, provider, projectID, gross)
	s.mu.RUnlock()
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no engagement matches the supplied key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"position": position})
}

func (s *Server) handleOrganizationHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := config.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.mu.RLock()
	list, err := s.engine.OrganizationHistory(addr)
	s.mu.RUnlock()
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	views := make([]escrowView, len(list))
	for i, rec := range list {
		views[i] = viewEscrow(rec)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": views})
}

func parseColumns(raw string) engage.HistoryColumn {
	if strings.TrimSpace(raw) == "" {
		return engage.AllColumns
	}
	var columns engage.HistoryColumn
	for _, name := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "organizations":
			columns |= engage.ColumnOrganizations
		case "projects":
			columns |= engage.ColumnProjects
		case "gross":
			columns |= engage.ColumnGrossAmounts
		case "positions":
			columns |= engage.ColumnTransactionNumbers
		}
	}
	if columns == 0 {
		return engage.AllColumns
	}
	return columns
}

func (s *Server) handleProviderHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := config.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.mu.RLock()
	history, err := s.engine.ProviderHistory(addr, parseColumns(r.URL.Query().Get("columns")))
	s.mu.RUnlock()
	if err != nil {
		status, payload := errorPayload(err)
		writeJSON(w, status, payload)
		return
	}
	payload := map[string]interface{}{}
	if history.Organizations != nil {
		orgs := make([]string, len(history.Organizations))
		for i, org := range history.Organizations {
			orgs[i] = hexAddress(org)
		}
		payload["organizations"] = orgs
	}
	if history.Projects != nil {
		payload["projects"] = history.Projects
	}
	if history.GrossAmounts != nil {
		amounts := make([]string, len(history.GrossAmounts))
		for i, amount := range history.GrossAmounts {
			amounts[i] = amount.String()
		}
		payload["grossAmounts"] = amounts
	}
	if history.TransactionNumbers != nil {
		payload["positions"] = history.TransactionNumbers
	}
	writeJSON(w, http.StatusOK, payload)
}
