// Package nextcloud talks to a Nextcloud server: the OCS notifications
// endpoint and the server's OAuth2 app for code and refresh-token
// exchanges.
package nextcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ncbridge/ncbridge/internal/util"
	"github.com/ncbridge/ncbridge/internal/vault"
)

const (
	notificationsPath = "/ocs/v2.php/apps/notifications/api/v2/notifications"

	defaultTimeout = 30 * time.Second
)

// RemoteError is a non-2xx response from the Nextcloud server. The
// status and body are kept for diagnostics; callers treat fetch-time
// instances as transient.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("nextcloud returned %d: %s", e.StatusCode, util.TruncateLog(e.Body, 256))
}

// Notification is one raw item from the notifications feed. The remote
// side serializes notification_id sometimes as a number and sometimes
// as a string, so it is kept as json.Number until parsed.
type Notification struct {
	NotificationID json.Number `json:"notification_id"`
	App            string      `json:"app"`
	Subject        string      `json:"subject"`
	Message        string      `json:"message"`
	Link           string      `json:"link"`
}

// ID returns the numeric notification id, reporting false for ids that
// do not parse as integers.
func (n Notification) ID() (int64, bool) {
	id, err := n.NotificationID.Int64()
	if err != nil {
		return 0, false
	}
	return id, true
}

// AppTag implements classify.Source.
func (n Notification) AppTag() string { return n.App }

// DeepLink implements classify.Source.
func (n Notification) DeepLink() string { return n.Link }

// Client fetches notifications from Nextcloud servers.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client with a bounded request timeout so a slow
// server can never stall a poll tick indefinitely.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// ocsEnvelope is the wrapper Nextcloud puts around every OCS response.
type ocsEnvelope struct {
	OCS struct {
		Data []Notification `json:"data"`
	} `json:"ocs"`
}

// FetchNotifications returns the raw notification feed for the given
// credential. The remote side gives no ordering guarantee; callers must
// sort by numeric id before processing.
func (c *Client) FetchNotifications(ctx context.Context, cred *vault.Credential) ([]Notification, error) {
	if cred == nil || cred.BaseURL == "" {
		return nil, fmt.Errorf("credential has no base URL")
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("credential has no access token")
	}

	url := strings.TrimRight(cred.BaseURL, "/") + notificationsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read notifications response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var envelope ocsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode notifications response: %w", err)
	}
	return envelope.OCS.Data, nil
}
