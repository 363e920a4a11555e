// Package vault owns installation records: Teams identity, Nextcloud
// credential, notification preferences, and the per-installation sync
// cursor. Every mutation runs inside a database transaction so each
// read-modify-write is serialized against concurrent writers.
//
// Merge precedence is explicit and total: identity fields overwrite when
// supplied, preferences merge key-wise, the cursor only advances, and
// the credential is replaced as a whole record.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ncbridge/ncbridge/internal/classify"
	"github.com/ncbridge/ncbridge/internal/db/models"
	"gorm.io/gorm"
)

// ErrNotFound reports an unknown installation id. It marks a caller
// error, not a sync-time condition.
var ErrNotFound = errors.New("installation not found")

// ErrMissingConversation reports an attempt to create an installation
// without a conversation id. The conversation id is the delivery
// address and carries a unique index; an empty one would collide with
// every other empty one.
var ErrMissingConversation = errors.New("conversation id required to create an installation")

// Kind distinguishes personal chats from channel installs.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindChannel  Kind = "channel"
)

// Identity carries the Teams-side identifiers. The sync engine never
// interprets these, it only stores and returns them.
type Identity struct {
	TenantID    string `json:"tenant_id,omitempty"`
	ServiceURL  string `json:"service_url,omitempty"`
	AadObjectID string `json:"aad_object_id,omitempty"`
	TeamsUserID string `json:"teams_user_id,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

// Conversation is the delivery address: the conversation id keys
// lookups, Ref is the opaque Bot Framework conversation reference.
type Conversation struct {
	ID  string          `json:"id"`
	Ref json.RawMessage `json:"ref,omitempty"`
}

// Credential is a complete Nextcloud OAuth credential. A nil ExpiresAt
// means the token does not expire.
type Credential struct {
	BaseURL      string     `json:"base_url"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
}

// Preferences maps each known category to whether delivery is enabled.
type Preferences map[classify.Category]bool

// Enabled reports whether a category should be delivered. Missing keys
// default to enabled.
func (p Preferences) Enabled(c classify.Category) bool {
	v, ok := p[c]
	return !ok || v
}

// NormalizePreferences fills in every known category, defaulting to
// enabled. Stored preference sets are always fully populated.
func NormalizePreferences(partial map[classify.Category]bool) Preferences {
	out := make(Preferences, len(classify.Known()))
	for _, c := range classify.Known() {
		if v, ok := partial[c]; ok {
			out[c] = v
		} else {
			out[c] = true
		}
	}
	return out
}

// Installation is the decoded domain view of one synchronized
// conversation.
type Installation struct {
	ID           string
	Kind         Kind
	Identity     Identity
	Conversation Conversation
	Credential   *Credential
	Preferences  Preferences
	Cursor       *int64
}

// Vault provides all installation mutations and lookups.
type Vault struct {
	db    *gorm.DB
	newID func() string
}

// New creates a vault backed by the given database.
func New(db *gorm.DB) *Vault {
	return &Vault{db: db, newID: uuid.NewString}
}

// UpsertParams is a partial installation. Zero-value fields are treated
// as "not supplied" and leave the stored record untouched.
type UpsertParams struct {
	ID           string
	Kind         Kind
	Identity     Identity
	Conversation Conversation
	Credential   *Credential
	Preferences  map[classify.Category]bool
	Cursor       *int64
}

// Upsert locates an installation by id, falling back to conversation id,
// and merges the supplied fields into it; when no match exists a new
// installation is created with a generated id and default preferences.
func (v *Vault) Upsert(params UpsertParams) (*Installation, error) {
	var result *Installation
	err := v.db.Transaction(func(tx *gorm.DB) error {
		rec, err := findRecord(tx, params.ID, params.Conversation.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if rec == nil {
			if params.Conversation.ID == "" {
				return ErrMissingConversation
			}
			rec = &models.Installation{
				ID:   params.ID,
				Kind: string(KindPersonal),
			}
			if rec.ID == "" {
				rec.ID = v.newID()
			}
			rec.Cursor = params.Cursor
		} else if params.Cursor != nil && cursorAdvances(rec.Cursor, *params.Cursor) {
			rec.Cursor = params.Cursor
		}

		if params.Kind != "" {
			rec.Kind = string(params.Kind)
		}
		mergeIdentity(rec, params.Identity)
		if params.Conversation.ID != "" {
			rec.ConversationID = params.Conversation.ID
		}
		if len(params.Conversation.Ref) > 0 {
			rec.ConversationRef = string(params.Conversation.Ref)
		}
		if params.Credential != nil {
			blob, err := json.Marshal(params.Credential)
			if err != nil {
				return fmt.Errorf("encode credential: %w", err)
			}
			rec.Credential = string(blob)
		}

		existing := decodePreferences(rec.Preferences)
		for c, enabled := range params.Preferences {
			existing[c] = enabled
		}
		if err := setPreferences(rec, existing); err != nil {
			return err
		}

		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		result = decode(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CredentialPatch is a partial credential update. Nil fields keep the
// stored value; ExpiresAt is only applied when SetExpiresAt is true so
// callers can clear an expiry explicitly.
type CredentialPatch struct {
	BaseURL      *string
	AccessToken  *string
	RefreshToken *string
	TokenType    *string
	ClientID     *string
	ClientSecret *string
	ExpiresAt    *time.Time
	SetExpiresAt bool
}

// AttachCredential merges the patch into the installation's credential,
// creating the credential if the installation had none. The merged
// record is written back as a whole, never partially.
func (v *Vault) AttachCredential(id string, patch CredentialPatch) (*Installation, error) {
	var result *Installation
	err := v.db.Transaction(func(tx *gorm.DB) error {
		rec, err := findByID(tx, id)
		if err != nil {
			return err
		}

		cred := decodeCredential(rec.Credential)
		if cred == nil {
			cred = &Credential{}
		}
		if patch.BaseURL != nil {
			cred.BaseURL = *patch.BaseURL
		}
		if patch.AccessToken != nil {
			cred.AccessToken = *patch.AccessToken
		}
		if patch.RefreshToken != nil {
			cred.RefreshToken = *patch.RefreshToken
		}
		if patch.TokenType != nil {
			cred.TokenType = *patch.TokenType
		}
		if patch.ClientID != nil {
			cred.ClientID = *patch.ClientID
		}
		if patch.ClientSecret != nil {
			cred.ClientSecret = *patch.ClientSecret
		}
		if patch.SetExpiresAt {
			cred.ExpiresAt = patch.ExpiresAt
		}

		blob, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("encode credential: %w", err)
		}
		rec.Credential = string(blob)

		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		result = decode(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdatePreferences merges the supplied booleans into the stored
// preferences. Unspecified categories are left unchanged.
func (v *Vault) UpdatePreferences(id string, partial map[classify.Category]bool) (*Installation, error) {
	var result *Installation
	err := v.db.Transaction(func(tx *gorm.DB) error {
		rec, err := findByID(tx, id)
		if err != nil {
			return err
		}

		prefs := decodePreferences(rec.Preferences)
		for c, enabled := range partial {
			prefs[c] = enabled
		}
		if err := setPreferences(rec, prefs); err != nil {
			return err
		}

		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		result = decode(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdvanceCursor moves the cursor forward to newCursor. A value at or
// below the current cursor is a silent no-op: the cursor never moves
// backward.
func (v *Vault) AdvanceCursor(id string, newCursor int64) error {
	return v.db.Transaction(func(tx *gorm.DB) error {
		rec, err := findByID(tx, id)
		if err != nil {
			return err
		}
		if !cursorAdvances(rec.Cursor, newCursor) {
			return nil
		}
		rec.Cursor = &newCursor
		return tx.Save(rec).Error
	})
}

// RemoveByConversation deletes the installation bound to the given
// conversation id, returning the removed record, or nil when nothing
// matched.
func (v *Vault) RemoveByConversation(conversationID string) (*Installation, error) {
	var removed *Installation
	err := v.db.Transaction(func(tx *gorm.DB) error {
		var rec models.Installation
		if err := tx.Where("conversation_id = ?", conversationID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Delete(&rec).Error; err != nil {
			return err
		}
		removed = decode(&rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// List returns a decoded snapshot of every installation. The scheduler
// iterates this copy without holding any lock across network calls.
func (v *Vault) List() ([]Installation, error) {
	var recs []models.Installation
	if err := v.db.Order("created_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Installation, 0, len(recs))
	for i := range recs {
		out = append(out, *decode(&recs[i]))
	}
	return out, nil
}

// ByID returns the installation with the given id.
func (v *Vault) ByID(id string) (*Installation, error) {
	var rec models.Installation
	if err := v.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return decode(&rec), nil
}

// ByConversation returns the installation bound to a conversation id,
// or nil when none exists.
func (v *Vault) ByConversation(conversationID string) (*Installation, error) {
	var rec models.Installation
	if err := v.db.Where("conversation_id = ?", conversationID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decode(&rec), nil
}

func findByID(tx *gorm.DB, id string) (*models.Installation, error) {
	var rec models.Installation
	if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

func findRecord(tx *gorm.DB, id, conversationID string) (*models.Installation, error) {
	if id != "" {
		rec, err := findByID(tx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if conversationID != "" {
		var rec models.Installation
		err := tx.Where("conversation_id = ?", conversationID).First(&rec).Error
		if err == nil {
			return &rec, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func mergeIdentity(rec *models.Installation, id Identity) {
	if id.TenantID != "" {
		rec.TenantID = id.TenantID
	}
	if id.ServiceURL != "" {
		rec.ServiceURL = id.ServiceURL
	}
	if id.AadObjectID != "" {
		rec.AadObjectID = id.AadObjectID
	}
	if id.TeamsUserID != "" {
		rec.TeamsUserID = id.TeamsUserID
	}
	if id.TeamID != "" {
		rec.TeamID = id.TeamID
	}
	if id.ChannelID != "" {
		rec.ChannelID = id.ChannelID
	}
}

func cursorAdvances(current *int64, candidate int64) bool {
	return current == nil || candidate > *current
}

func setPreferences(rec *models.Installation, partial map[classify.Category]bool) error {
	blob, err := json.Marshal(NormalizePreferences(partial))
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	rec.Preferences = string(blob)
	return nil
}

func decodePreferences(blob string) map[classify.Category]bool {
	out := map[classify.Category]bool{}
	if blob != "" {
		// Unparsable blobs fall back to defaults rather than failing
		// the whole operation.
		_ = json.Unmarshal([]byte(blob), &out)
	}
	return out
}

func decodeCredential(blob string) *Credential {
	if blob == "" {
		return nil
	}
	var cred Credential
	if err := json.Unmarshal([]byte(blob), &cred); err != nil {
		return nil
	}
	return &cred
}

func decode(rec *models.Installation) *Installation {
	inst := &Installation{
		ID:   rec.ID,
		Kind: Kind(rec.Kind),
		Identity: Identity{
			TenantID:    rec.TenantID,
			ServiceURL:  rec.ServiceURL,
			AadObjectID: rec.AadObjectID,
			TeamsUserID: rec.TeamsUserID,
			TeamID:      rec.TeamID,
			ChannelID:   rec.ChannelID,
		},
		Conversation: Conversation{
			ID:  rec.ConversationID,
			Ref: json.RawMessage(rec.ConversationRef),
		},
		Credential:  decodeCredential(rec.Credential),
		Preferences: NormalizePreferences(decodePreferences(rec.Preferences)),
		Cursor:      rec.Cursor,
	}
	return inst
}
