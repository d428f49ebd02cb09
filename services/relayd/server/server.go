// Package server is the relay's HTTP boundary (component I): it wires
// together the rate limiter, envelope service, validator, and registry into
// the wire protocol's endpoint surface, composed with the same
// CORS/observability middleware chain the teacher's gateway uses.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"teerelay/gateway/middleware"
	"teerelay/observability/logging"
	"teerelay/relay/apierr"
	"teerelay/relay/attestation"
	"teerelay/relay/envelope"
	"teerelay/relay/intent"
	"teerelay/relay/registry"
	"teerelay/relay/validator"
	"teerelay/services/relayd/config"
)

// maxRequestBody bounds every request body the boundary will read.
const maxRequestBody = 1 << 20

// SubmitOutcome is what the orchestrator pipeline reports back to the HTTP
// boundary. For a swap intent that is once the swap transaction has
// broadcast — not once it has confirmed; confirmation continues
// asynchronously per P7. A non-swap intent reports after its funding
// transaction has confirmed.
type SubmitOutcome struct {
	ChainSignature string
	ExplorerURL    string
	TEESignature   string
}

// Server holds every collaborator the HTTP boundary dispatches to. It
// deliberately does not hold fee-payer key material or the orchestrator
// directly — relayd's main.go wires a submit callback in separately so the
// server package stays testable without a live chain client.
type Server struct {
	cfg       config.Config
	ring      *logging.Ring
	envelope  *envelope.Service
	registry  *registry.Registry
	validator validator.Options
	att       attestation.Provider
	observ    *middleware.Observability
	limiter   *middleware.RateLimiter
	onSubmit  func(parsed *intent.Intent) (SubmitOutcome, error)
	router    chi.Router
	startedAt time.Time
}

// New builds the router and registers every endpoint from the wire
// protocol. onSubmit runs the orchestrator's synchronous broadcast phase
// for a decrypted, re-validated intent and returns once a signature exists;
// for a swap intent, confirmation and registry finalization continue in the
// background.
func New(cfg config.Config, ring *logging.Ring, env *envelope.Service, reg *registry.Registry, att attestation.Provider, observ *middleware.Observability, limiter *middleware.RateLimiter, onSubmit func(parsed *intent.Intent) (SubmitOutcome, error)) *Server {
	s := &Server{
		cfg:       cfg,
		ring:      ring,
		envelope:  env,
		registry:  reg,
		validator: validator.Options{SkipSignatureVerification: cfg.SkipSigVerify},
		att:       att,
		observ:    observ,
		limiter:   limiter,
		onSubmit:  onSubmit,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler is the top-level http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "relayd")
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.CORSOrigins}))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware())
	}

	if s.observ != nil {
		r.Get("/metrics", s.observ.MetricsHandler().ServeHTTP)
	}
	r.Get("/health", s.withObserved("/health", s.handleHealth))
	r.Get("/api/public-key", s.withObserved("/api/public-key", s.handlePublicKey))
	r.Get("/api/status", s.withObserved("/api/status", s.handleStatus))
	r.Get("/api/rpc-url", s.withObserved("/api/rpc-url", s.handleRPCURL))
	r.Get("/api/server-logs", s.withObserved("/api/server-logs", s.handleServerLogs))
	r.Get("/api/intent/{intent_hash}", s.withObserved("/api/intent/{intent_hash}", s.handleGetIntent))
	r.Post("/api/approve", s.withObserved("/api/approve", s.handleApprove))
	r.Post("/api/submit-solana-transaction", s.withObserved("/api/submit-solana-transaction", s.handleSubmit))
	return r
}

func (s *Server) withObserved(route string, fn http.HandlerFunc) http.HandlerFunc {
	if s.observ == nil {
		return fn
	}
	return func(w http.ResponseWriter, r *http.Request) {
		s.observ.Middleware(route)(fn).ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptime_s": int(time.Since(s.startedAt).Seconds())})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	view, err := s.envelope.PublicKey()
	if err != nil {
		s.writeError(w, apierr.New(apierr.KindInternal, "load public key: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"network":   s.cfg.Network,
		"key_id":    s.envelope.KeyID(),
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
		"timestamp": logging.NowMs(time.Now()),
	})
}

func (s *Server) handleRPCURL(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	if network == "" {
		network = s.cfg.Network
	}
	url, ok := s.cfg.RPCURLFor(network)
	if !ok {
		s.writeError(w, apierr.New(apierr.KindNotFound, "no rpc url configured for network %q", network))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"network": network, "rpc_url": url})
}

func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	sinceMs := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceMs = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.ring.Since(sinceMs)})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "intent_hash")
	entry, ok := s.registry.Get(hash)
	if !ok {
		s.writeError(w, apierr.New(apierr.KindNotFound, "no intent found for hash %q", hash))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intent_hash":     entry.IntentHash,
		"status":          entry.Status,
		"chain_signature": entry.ChainSignature,
		"updated_at_ms":   logging.NowMs(entry.UpdatedAt),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, apierr.New(apierr.KindMalformedIntent, "read request body: %v", err))
		return
	}

	parsed, plaintext, err := s.envelope.DecryptEnvelope(body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := validator.Validate(parsed, plaintext, s.registry, s.validator); err != nil {
		s.writeError(w, err)
		return
	}

	if reservation := s.registry.TryReserve(parsed.IntentHash, parsed); reservation == registry.ReservationReplay {
		s.writeError(w, apierr.New(apierr.KindReplay, "intent already processed"))
		return
	}

	att, digest, err := s.att.Sign(parsed.IntentHash, "", logging.NowMs(time.Now()))
	if err != nil {
		s.writeError(w, apierr.New(apierr.KindInternal, "attestation: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"intent_hash":   parsed.IntentHash,
		"status":        registry.StatusApproved,
		"attestation":   att,
		"tee_signature": digest,
	})
}

// submitTransactionData is the wire shape of the submit request's
// transactionData field: a client-refreshed view of the intent's
// transaction payload (e.g. a newer recent_blockhash) layered onto the
// decrypted intent after hash verification, so it can never affect the
// signed intent_hash.
type submitTransactionData struct {
	Instructions            []intent.Instruction `json:"instructions,omitempty"`
	FeePayer                string                `json:"fee_payer,omitempty"`
	RecentBlockhash         string                `json:"recent_blockhash,omitempty"`
	SerializedBytesB64      string                `json:"serialized_bytes_b64,omitempty"`
	ExtractedAmountLamports uint64                `json:"extracted_amount_lamports,omitempty"`
}

// applyTo layers the non-zero fields of t onto dst, leaving fields dst
// already carries untouched when t didn't report them.
func (t *submitTransactionData) applyTo(dst *intent.TransactionPayload) {
	if len(t.Instructions) > 0 {
		dst.Instructions = t.Instructions
	}
	if t.FeePayer != "" {
		dst.FeePayer = t.FeePayer
	}
	if t.RecentBlockhash != "" {
		dst.RecentBlockhash = t.RecentBlockhash
	}
	if t.SerializedBytesB64 != "" {
		dst.SerializedBytesB64 = t.SerializedBytesB64
	}
	if t.ExtractedAmountLamports > 0 {
		dst.ExtractedAmountLamports = t.ExtractedAmountLamports
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedIntent json.RawMessage         `json:"encryptedIntent"`
		TransactionData *submitTransactionData  `json:"transactionData"`
		Method          string                  `json:"method"`
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, apierr.New(apierr.KindMalformedIntent, "read request body: %v", err))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, apierr.New(apierr.KindMalformedIntent, "malformed submit request: %v", err))
		return
	}
	if len(req.EncryptedIntent) == 0 {
		s.writeError(w, apierr.New(apierr.KindMalformedIntent, "submit request missing encryptedIntent"))
		return
	}

	parsed, plaintext, err := s.envelope.DecryptEnvelope(req.EncryptedIntent)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := validator.Validate(parsed, plaintext, s.registry, s.validator); err != nil {
		s.writeError(w, err)
		return
	}

	if req.TransactionData != nil {
		req.TransactionData.applyTo(&parsed.Transaction)
	}

	if s.registry.TryReserve(parsed.IntentHash, parsed) == registry.ReservationReplay {
		s.writeError(w, apierr.New(apierr.KindReplay, "intent already processed"))
		return
	}

	if s.onSubmit == nil {
		s.writeError(w, apierr.New(apierr.KindInternal, "submit pipeline not configured"))
		return
	}

	outcome, err := s.onSubmit(parsed)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"intent_hash":  parsed.IntentHash,
		"status":       registry.StatusSubmitted,
		"signature":    outcome.ChainSignature,
		"explorerUrl":  outcome.ExplorerURL,
		"teeSignature": outcome.TEESignature,
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.KindInternal, "%v", err)
	}
	body := map[string]any{"error": apiErr.Message, "success": false}
	for k, v := range apiErr.Fields {
		body[k] = v
	}
	if id := w.Header().Get("X-Request-Id"); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, apiErr.HTTPStatus(), body)
}
