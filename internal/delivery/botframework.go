package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	botTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	botScope    = "https://api.botframework.com/.default"

	sendTimeout = 15 * time.Second
)

// activity is the minimal Bot Framework activity shape for a proactive
// text message.
type activity struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Value map[string]any `json:"value,omitempty"`
}

// Connector sends proactive messages via the Bot Framework REST API,
// authenticating with the bot's app credentials.
type Connector struct {
	httpClient *http.Client
}

// NewConnector builds a connector for the given bot app registration.
// The underlying client caches and refreshes the connector token via
// the client-credentials grant.
func NewConnector(appID, appPassword string) *Connector {
	cc := &clientcredentials.Config{
		ClientID:     appID,
		ClientSecret: appPassword,
		TokenURL:     botTokenURL,
		Scopes:       []string{botScope},
	}
	client := cc.Client(context.Background())
	client.Timeout = sendTimeout
	return &Connector{httpClient: client}
}

// Send posts a message activity into the target conversation.
func (c *Connector) Send(ctx context.Context, target Target, msg Message) error {
	if target.ServiceURL == "" || target.ConversationID == "" {
		return fmt.Errorf("delivery target is incomplete")
	}

	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimRight(target.ServiceURL, "/"), url.PathEscape(target.ConversationID))

	value := map[string]any{
		"notificationId": msg.NotificationID,
		"app":            msg.App,
	}
	if msg.Subject != "" {
		value["subject"] = msg.Subject
	}
	payload, err := json.Marshal(activity{
		Type:  "message",
		Text:  msg.Text,
		Value: value,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send activity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
