package web

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// authState round-trips through Nextcloud's authorize redirect so the
// callback knows which installation the code belongs to.
type authState struct {
	InstallationID string `json:"installation_id"`
}

// EncodeState packs an installation id into a URL-safe state token.
func EncodeState(installationID string) string {
	data, _ := json.Marshal(authState{InstallationID: installationID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeState recovers the installation id from a state token.
func DecodeState(value string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decode state: %w", err)
	}
	var st authState
	if err := json.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("parse state: %w", err)
	}
	if st.InstallationID == "" {
		return "", fmt.Errorf("state carries no installation id")
	}
	return st.InstallationID, nil
}
