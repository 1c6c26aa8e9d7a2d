package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/outbox"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

type createAccountRequest struct {
	Kind         string            `json:"kind" validate:"required"`
	UID          string            `json:"uid" validate:"required"`
	Name         string            `json:"name"`
	Token        string            `json:"token" validate:"required"`
	RefreshToken string            `json:"refreshToken"`
	ExpiresAt    int64             `json:"expiresAt" validate:"gte=0"`
	Extra        map[string]string `json:"extra"`
}

// handleCreateAccount stores provider credentials. Posting an existing
// (kind, uid) pair replaces its token and merges its extra fields.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) error {
	var req createAccountRequest
	if err := s.decode(w, r, &req); err != nil {
		return err
	}
	kind, err := store.ParseKind(req.Kind)
	if err != nil {
		return badRequest("%v", err)
	}
	ctx := r.Context()

	acc, err := s.DB.FindAccountByUID(ctx, kind, req.UID)
	if err != nil {
		return fmt.Errorf("find account: %w", err)
	}
	if acc != nil {
		if err := s.DB.UpdateAccountToken(ctx, acc.ID, req.Token, req.RefreshToken, req.ExpiresAt); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if len(req.Extra) > 0 {
			if err := s.DB.MergeAccountExtra(ctx, acc.ID, req.Extra); err != nil {
				return fmt.Errorf("update account: %w", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "accountId": acc.ID})
		return nil
	}

	acc = &store.Account{
		Kind:           kind,
		UID:            req.UID,
		Name:           req.Name,
		Token:          req.Token,
		RefreshToken:   req.RefreshToken,
		TokenExpiresAt: req.ExpiresAt,
		Extra:          req.Extra,
	}
	if err := s.DB.CreateAccount(ctx, acc); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	s.Logger.Info("account created", zap.String("kind", string(kind)), zap.String("account_id", acc.ID))
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "accountId": acc.ID})
	return nil
}

type createIntegrationRequest struct {
	AccountID     string            `json:"accountId"`
	IntegrationID string            `json:"integrationId" validate:"required"`
	Keys          []string          `json:"keys" validate:"omitempty,dive,required"`
	Extra         map[string]string `json:"extra"`
}

// handleCreateIntegration binds the main API's integration id to the
// channel keys that route inbound events to it. Keys default to the
// integration id itself.
func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) error {
	a, ok := s.adapter(w, r)
	if !ok {
		return nil
	}
	var req createIntegrationRequest
	if err := s.decode(w, r, &req); err != nil {
		return err
	}
	ctx := r.Context()

	existing, err := s.DB.GetIntegrationByErxesAPIID(ctx, req.IntegrationID)
	if err != nil {
		return fmt.Errorf("find integration: %w", err)
	}
	if existing != nil {
		if existing.Kind != a.Kind {
			return badRequest("integration %s already exists for %s", req.IntegrationID, existing.Kind)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "integrationId": existing.ErxesAPIID})
		return nil
	}

	if req.AccountID != "" {
		acc, err := s.DB.GetAccount(ctx, req.AccountID)
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		if acc == nil {
			return fmt.Errorf("%w: %s", resolver.ErrAccountNotFound, req.AccountID)
		}
		if acc.Kind != a.Kind {
			return badRequest("account %s belongs to %s", acc.ID, acc.Kind)
		}
	} else if a.NeedsAccount {
		return badRequest("%s integrations require accountId", a.Kind)
	}

	keys := req.Keys
	if len(keys) == 0 {
		keys = []string{req.IntegrationID}
	}
	integ := &store.Integration{
		Kind:       a.Kind,
		AccountID:  req.AccountID,
		ErxesAPIID: req.IntegrationID,
		Keys:       keys,
		Extra:      req.Extra,
	}
	if err := s.DB.CreateIntegration(ctx, integ); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("channel key already bound: %w", err)
		}
		return fmt.Errorf("create integration: %w", err)
	}

	s.Logger.Info("integration created",
		zap.String("kind", string(a.Kind)),
		zap.String("integration_id", integ.ErxesAPIID),
		zap.Strings("keys", keys))
	s.Bus.Publish(bus.NewEvent(bus.KindIntegrationCreated, map[string]any{
		"kind":           string(a.Kind),
		"integration_id": integ.ErxesAPIID,
		"account_id":     integ.AccountID,
	}))
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "integrationId": integ.ErxesAPIID})
	return nil
}

type replyRequest struct {
	ConversationID string            `json:"conversationId" validate:"required"`
	Content        string            `json:"content" validate:"required_without=Attachments"`
	Attachments    store.Attachments `json:"attachments"`
	Subject        string            `json:"subject" validate:"singleline"`
	CC             []string          `json:"cc" validate:"omitempty,dive,email"`
	ClientMsgID    string            `json:"clientMsgId"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) error {
	a, ok := s.adapter(w, r)
	if !ok {
		return nil
	}
	var req replyRequest
	if err := s.decode(w, r, &req); err != nil {
		return err
	}

	res, err := s.Sender.Reply(r.Context(), outbox.ReplyRequest{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Subject:        req.Subject,
		CC:             req.CC,
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		return err
	}
	if res.Channel != a.Kind {
		s.Logger.Warn("reply routed by conversation channel",
			zap.String("requested", string(a.Kind)),
			zap.String("actual", string(res.Channel)))
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "ok",
		"clientMsgId":    res.ClientMsgID,
		"messageId":      res.ProviderMessageID,
		"conversationId": res.ConversationID,
	})
	return nil
}

func (s *Server) handleRemoveIntegration(w http.ResponseWriter, r *http.Request) error {
	id, err := s.Remover.RemoveIntegration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "integrationId": id})
	return nil
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) error {
	ids, err := s.Remover.RemoveAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "integrationIds": ids})
	return nil
}

type messageView struct {
	ID                string            `json:"id"`
	ProviderMessageID string            `json:"providerMessageId"`
	CanonicalID       string            `json:"erxesApiId,omitempty"`
	Content           string            `json:"content"`
	Attachments       store.Attachments `json:"attachments,omitempty"`
	HeaderID          string            `json:"headerId,omitempty"`
	FromMe            bool              `json:"fromMe"`
	CreatedAt         int64             `json:"createdAt"`
}

// handleListMessages returns a conversation's stored messages, oldest first.
// The id may be the canonical or the local conversation id.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	conv, err := s.DB.GetConversationByCanonicalID(ctx, id)
	if err == nil && conv == nil {
		conv, err = s.DB.GetConversation(ctx, id)
	}
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: %s", outbox.ErrConversationNotFound, id)
	}

	msgs, err := s.DB.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return err
	}
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = messageView{
			ID:                m.ID,
			ProviderMessageID: m.ProviderMessageID,
			CanonicalID:       m.CanonicalID,
			Content:           m.Content,
			Attachments:       m.Attachments,
			HeaderID:          m.HeaderID,
			FromMe:            m.FromMe,
			CreatedAt:         m.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": conv.CanonicalID, "messages": out})
	return nil
}
