// Package web exposes the bridge's HTTP surface: the OAuth
// authorization flow and the installation management API.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ncbridge/ncbridge/internal/classify"
	"github.com/ncbridge/ncbridge/internal/config"
	"github.com/ncbridge/ncbridge/internal/delivery"
	"github.com/ncbridge/ncbridge/internal/nextcloud"
	"github.com/ncbridge/ncbridge/internal/poller"
	"github.com/ncbridge/ncbridge/internal/util"
	"github.com/ncbridge/ncbridge/internal/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// AuthStartHandler redirects the browser to the Nextcloud authorize
// page with the installation id packed into the OAuth state.
func AuthStartHandler(cfg *config.Config, v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		installationID := r.URL.Query().Get("installationId")
		if installationID == "" {
			writeError(w, http.StatusBadRequest, "installationId is required")
			return
		}
		if _, err := v.ByID(installationID); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown installation")
				return
			}
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}

		oauthCfg := nextcloud.OAuthConfig(
			cfg.Nextcloud.BaseURL,
			cfg.Nextcloud.OAuth.ClientID,
			cfg.Nextcloud.OAuth.ClientSecret,
			cfg.RedirectURL(),
		)
		http.Redirect(w, r, nextcloud.AuthorizationURL(oauthCfg, EncodeState(installationID)), http.StatusFound)
	}
}

// AuthCallbackHandler finishes the OAuth flow: exchanges the code,
// attaches the complete credential to the installation, and sends a
// proactive confirmation into the conversation.
func AuthCallbackHandler(cfg *config.Config, v *vault.Vault, channel delivery.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if remoteErr := query.Get("error"); remoteErr != "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("nextcloud reported: %s", remoteErr))
			return
		}
		code := query.Get("code")
		stateToken := query.Get("state")
		if code == "" || stateToken == "" {
			writeError(w, http.StatusBadRequest, "code and state are required")
			return
		}
		installationID, err := DecodeState(stateToken)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid state token")
			return
		}

		oauthCfg := nextcloud.OAuthConfig(
			cfg.Nextcloud.BaseURL,
			cfg.Nextcloud.OAuth.ClientID,
			cfg.Nextcloud.OAuth.ClientSecret,
			cfg.RedirectURL(),
		)
		tok, err := nextcloud.ExchangeAuthorizationCode(r.Context(), oauthCfg, code)
		if err != nil {
			log.Printf("❌ Code exchange failed for installation %s: %v", installationID, err)
			writeError(w, http.StatusBadGateway, "token exchange failed")
			return
		}

		patch := vault.CredentialPatch{
			BaseURL:      &cfg.Nextcloud.BaseURL,
			AccessToken:  &tok.AccessToken,
			ClientID:     &cfg.Nextcloud.OAuth.ClientID,
			ClientSecret: &cfg.Nextcloud.OAuth.ClientSecret,
			SetExpiresAt: true,
		}
		if tok.RefreshToken != "" {
			patch.RefreshToken = &tok.RefreshToken
		}
		if tok.TokenType != "" {
			patch.TokenType = &tok.TokenType
		}
		if !tok.Expiry.IsZero() {
			expiry := tok.Expiry
			patch.ExpiresAt = &expiry
		}

		inst, err := v.AttachCredential(installationID, patch)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown installation")
				return
			}
			log.Printf("❌ Persisting credential failed for installation %s: %v", installationID, err)
			writeError(w, http.StatusInternalServerError, "could not store credential")
			return
		}
		log.Printf("✅ Nextcloud connected for installation %s (token: %s)", inst.ID, util.MaskToken(tok.AccessToken))

		// Best effort: the connection is complete even if the
		// confirmation message cannot be delivered.
		target := delivery.Target{
			ServiceURL:     inst.Identity.ServiceURL,
			ConversationID: inst.Conversation.ID,
		}
		confirmation := delivery.Message{Text: "✅ Nextcloud is connected. I will start watching notifications."}
		if err := channel.Send(r.Context(), target, confirmation); err != nil {
			log.Printf("⚠️ Confirmation message failed for installation %s: %v", inst.ID, err)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h2>Sign-in complete</h2><p>You can close this window and return to Teams.</p></body></html>")
	}
}

// registerRequest is the payload the bot front-end sends when the
// bridge is added to a conversation.
type registerRequest struct {
	ID           string            `json:"id,omitempty"`
	Kind         string            `json:"kind,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	ServiceURL   string            `json:"service_url,omitempty"`
	AadObjectID  string            `json:"aad_object_id,omitempty"`
	TeamsUserID  string            `json:"teams_user_id,omitempty"`
	TeamID       string            `json:"team_id,omitempty"`
	ChannelID    string            `json:"channel_id,omitempty"`
	Conversation struct {
		ID  string          `json:"id"`
		Ref json.RawMessage `json:"ref,omitempty"`
	} `json:"conversation"`
	Preferences map[string]bool `json:"preferences,omitempty"`
}

// RegisterInstallationHandler upserts an installation from a
// conversation registration.
func RegisterInstallationHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Conversation.ID == "" && req.ID == "" {
			writeError(w, http.StatusBadRequest, "conversation.id or id is required")
			return
		}

		inst, err := v.Upsert(vault.UpsertParams{
			ID:   req.ID,
			Kind: vault.Kind(req.Kind),
			Identity: vault.Identity{
				TenantID:    req.TenantID,
				ServiceURL:  req.ServiceURL,
				AadObjectID: req.AadObjectID,
				TeamsUserID: req.TeamsUserID,
				TeamID:      req.TeamID,
				ChannelID:   req.ChannelID,
			},
			Conversation: vault.Conversation{
				ID:  req.Conversation.ID,
				Ref: req.Conversation.Ref,
			},
			Preferences: toCategoryMap(req.Preferences),
		})
		if err != nil {
			if errors.Is(err, vault.ErrMissingConversation) {
				writeError(w, http.StatusBadRequest, "conversation.id is required for a new installation")
				return
			}
			log.Printf("❌ Upsert failed for conversation %s: %v", req.Conversation.ID, err)
			writeError(w, http.StatusInternalServerError, "could not save installation")
			return
		}
		writeJSON(w, http.StatusOK, installationView(inst, poller.Status{State: poller.StateNeverSynced}))
	}
}

// installationResponse is the API view of an installation. Credential
// material is reduced to a connected flag plus expiry.
type installationResponse struct {
	ID             string                     `json:"id"`
	Kind           string                     `json:"kind"`
	ConversationID string                     `json:"conversation_id"`
	Connected      bool                       `json:"connected"`
	TokenExpiresAt *time.Time                 `json:"token_expires_at,omitempty"`
	Preferences    map[classify.Category]bool `json:"preferences"`
	Cursor         *int64                     `json:"cursor,omitempty"`
	Sync           poller.Status              `json:"sync"`
}

func installationView(inst *vault.Installation, st poller.Status) installationResponse {
	resp := installationResponse{
		ID:             inst.ID,
		Kind:           string(inst.Kind),
		ConversationID: inst.Conversation.ID,
		Connected:      inst.Credential != nil,
		Preferences:    inst.Preferences,
		Cursor:         inst.Cursor,
		Sync:           st,
	}
	if inst.Credential != nil {
		resp.TokenExpiresAt = inst.Credential.ExpiresAt
	}
	return resp
}

// InstallationsHandler lists every installation with its sync status,
// letting operators tell a dead credential apart from a transient
// fetch failure.
func InstallationsHandler(v *vault.Vault, p *poller.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		installations, err := v.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		out := make([]installationResponse, 0, len(installations))
		for i := range installations {
			inst := &installations[i]
			out = append(out, installationView(inst, p.StatusFor(inst.ID)))
		}
		writeJSON(w, http.StatusOK, map[string]any{"installations": out})
	}
}

// UpdatePreferencesHandler merges category toggles into an
// installation's preferences.
func UpdatePreferencesHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body map[string]bool
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		inst, err := v.UpdatePreferences(id, toCategoryMap(body))
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown installation")
				return
			}
			writeError(w, http.StatusInternalServerError, "could not update preferences")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"preferences": inst.Preferences})
	}
}

// RemoveInstallationHandler tears down the installation bound to a
// conversation, e.g. when the bridge is removed from it.
func RemoveInstallationHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationId")
		removed, err := v.RemoveByConversation(conversationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not remove installation")
			return
		}
		if removed == nil {
			writeError(w, http.StatusNotFound, "no installation for conversation")
			return
		}
		log.Printf("🗑️ Removed installation %s for conversation %s", removed.ID, conversationID)
		writeJSON(w, http.StatusOK, map[string]string{"removed": removed.ID})
	}
}

// SyncNowHandler triggers a poll tick outside the regular schedule.
func SyncNowHandler(p *poller.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.RunNow()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "ok",
			"message": "Sync tick triggered",
		})
	}
}

// HealthHandler is a liveness probe.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func toCategoryMap(in map[string]bool) map[classify.Category]bool {
	if len(in) == 0 {
		return nil
	}
	out := make(map[classify.Category]bool, len(in))
	for k, v := range in {
		out[classify.Category(k)] = v
	}
	return out
}
