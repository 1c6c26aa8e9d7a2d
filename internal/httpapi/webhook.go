package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

func (s *Server) adapter(w http.ResponseWriter, r *http.Request) (*channel.Adapter, bool) {
	kind, err := store.ParseKind(chi.URLParam(r, "channel"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	a, ok := s.Registry.Get(kind)
	if !ok {
		http.Error(w, "channel not enabled: "+string(kind), http.StatusNotFound)
		return nil, false
	}
	return a, true
}

// handleVerify answers a provider's subscription handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	a, ok := s.adapter(w, r)
	if !ok {
		return
	}
	if a.Verifier == nil {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	challenge, err := a.Verifier.Verify(channel.Inbound{Header: r.Header, Query: r.URL.Query()})
	if err != nil {
		s.Logger.Warn("webhook verification failed", zap.String("channel", string(a.Kind)), zap.Error(err))
		code := inboundStatus(err)
		if code == http.StatusOK {
			code = http.StatusForbidden
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, challenge)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	a, ok := s.adapter(w, r)
	if !ok {
		return
	}
	s.receive(w, r, a, "")
}

// handleGenericWebhook receives deliveries for one generic webhook
// integration, addressed by its api id.
func (s *Server) handleGenericWebhook(w http.ResponseWriter, r *http.Request) {
	a, ok := s.Registry.Get(store.KindWebhook)
	if !ok {
		http.Error(w, "channel not enabled: webhook", http.StatusNotFound)
		return
	}
	s.receive(w, r, a, chi.URLParam(r, "integrationId"))
}

// receive parses a delivery and ingests its events. Malformed or
// unauthenticated deliveries are rejected; failures while ingesting are
// logged and acknowledged so the provider does not redeliver.
func (s *Server) receive(w http.ResponseWriter, r *http.Request, a *channel.Adapter, key string) {
	kind := string(a.Kind)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBody))
	if err != nil {
		s.Metrics.Inc(metrics.Webhooks, kind, "rejected")
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	events, err := a.Parser.Parse(r.Context(), channel.Inbound{
		Header: r.Header,
		Query:  r.URL.Query(),
		Body:   body,
		Key:    key,
	})
	if err != nil {
		code := inboundStatus(err)
		if code != http.StatusOK {
			s.Metrics.Inc(metrics.Webhooks, kind, "rejected")
			s.Logger.Warn("webhook rejected", zap.String("channel", kind), zap.Int("status", code), zap.Error(err))
			http.Error(w, err.Error(), code)
			return
		}
		s.Metrics.Inc(metrics.Webhooks, kind, "error")
		s.Logger.Error("failed to parse webhook", zap.String("channel", kind), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	for _, ev := range events {
		s.ingest(r.Context(), ev)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ingest(ctx context.Context, ev resolver.Event) {
	kind := string(ev.Channel)
	res, err := s.Resolver.Ingest(ctx, ev)
	switch {
	case errors.Is(err, resolver.ErrIntegrationNotFound):
		s.Metrics.Inc(metrics.Webhooks, kind, "dropped")
		s.Logger.Info("no integration for inbound event",
			zap.String("channel", kind),
			zap.String("key", ev.ChannelKey))
		s.Bus.Publish(bus.NewEvent(bus.KindInboundDropped, map[string]any{
			"channel": kind,
			"key":     ev.ChannelKey,
		}))
	case err != nil:
		s.Metrics.Inc(metrics.Webhooks, kind, "error")
		s.Logger.Error("failed to ingest event",
			zap.String("channel", kind),
			zap.String("key", ev.ChannelKey),
			zap.String("message_id", ev.MessageID),
			zap.Error(err))
	case res.Created:
		s.Metrics.Inc(metrics.Webhooks, kind, "created")
	default:
		s.Metrics.Inc(metrics.Webhooks, kind, "duplicate")
	}
}

// inboundStatus maps parser and verifier errors to status codes. Anything
// that is not a rejection of the delivery itself is acknowledged.
func inboundStatus(err error) int {
	switch {
	case errors.Is(err, channel.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, channel.ErrVerification):
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}
