package msgapi

import (
	"errors"
	"log/slog"
	"net/http"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	v1 "bazaar/shared/contracts/messaging/v1"

	"github.com/samber/lo"
)

const defaultMaxBodyBytes = 64 << 10

// Config controls the messaging HTTP API.
type Config struct {
	MaxBodyBytes int64

	// RequireIdentity makes every request resolve a caller, who must be the sender of a
	// message and a participant of a fetched conversation.
	RequireIdentity bool
}

// Handler exposes Send and Conversation Fetch over HTTP.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *messaging.Service
	resolver identity.Resolver
}

// NewHandler constructs a Handler. resolver may be nil when RequireIdentity is false.
func NewHandler(log *slog.Logger, svc *messaging.Service, resolver identity.Resolver, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil {
		return nil, errors.New("msgapi: nil service")
	}
	if cfg.RequireIdentity && resolver == nil {
		return nil, errors.New("msgapi: identity required but no resolver")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, svc: svc, resolver: resolver}, nil
}

// Register wires messaging routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/v1/messages", h.handleSend)
	mux.HandleFunc("/v1/conversations", h.handleConversation)
}

// ---- handlers ----

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req v1.SendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if caller != "" && caller != identity.NormalizeUserID(req.Sender) {
		writeError(w, http.StatusForbidden, "forbidden", "sender must be the authenticated user")
		return
	}

	msg, err := h.svc.Send(r.Context(), messaging.SendInput{
		Sender:   req.Sender,
		Receiver: req.Receiver,
		Content:  req.Content,
	})
	if err != nil {
		var ve messaging.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, "validation_failed", ve.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "write_failed", "message could not be stored")
		return
	}

	writeJSON(w, http.StatusCreated, v1.SendMessageResponse{Message: messaging.ToWire(msg)})
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	sender := identity.NormalizeUserID(q.Get("sender"))
	receiver := identity.NormalizeUserID(q.Get("receiver"))

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if caller != "" && caller != sender && caller != receiver {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this conversation")
		return
	}

	conv, err := h.svc.FetchConversation(r.Context(), sender, receiver)
	if err != nil {
		var ve messaging.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, "validation_failed", ve.Error())
		case messaging.IsProfile(err):
			writeError(w, http.StatusBadGateway, "profile_unavailable", "profile directory unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "history_unavailable", "conversation could not be loaded")
		}
		return
	}

	writeJSON(w, http.StatusOK, v1.ConversationResponse{
		Messages:        lo.Map(conv.Messages, func(m messaging.Message, _ int) v1.Message { return messaging.ToWire(m) }),
		SenderProfile:   toWireProfile(conv.SenderProfile),
		ReceiverProfile: toWireProfile(conv.ReceiverProfile),
	})
}

// caller resolves the authenticated user. It returns "" with ok=true when identity is not
// enforced, and writes the error response itself when resolution fails.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !h.cfg.RequireIdentity {
		return "", true
	}

	id, err := h.resolver.Resolve(r)
	if err != nil {
		if identity.IsInvalidInput(err) {
			writeError(w, http.StatusBadRequest, "invalid_identity", "malformed user identity")
			return "", false
		}
		writeError(w, http.StatusUnauthorized, "unauthenticated", "user identity required")
		return "", false
	}
	return id, true
}

func toWireProfile(p messaging.Profile) v1.Profile {
	return v1.Profile{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
}
