package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConnectorSend(t *testing.T) {
	var got struct {
		path string
		body activity
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.EscapedPath()
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got.body); err != nil {
			t.Errorf("decoding activity: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := &Connector{httpClient: srv.Client()}
	err := c.Send(context.Background(), Target{ServiceURL: srv.URL, ConversationID: "a:1 b/2"}, Message{
		Text:           "Mail: new message",
		NotificationID: 42,
		App:            "mail",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got.path != "/v3/conversations/a:1%20b%2F2/activities" {
		t.Fatalf("path = %q", got.path)
	}
	if got.body.Type != "message" || got.body.Text != "Mail: new message" {
		t.Fatalf("activity = %+v", got.body)
	}
	if got.body.Value["app"] != "mail" {
		t.Fatalf("value = %v", got.body.Value)
	}
	// JSON numbers decode as float64.
	if id, ok := got.body.Value["notificationId"].(float64); !ok || id != 42 {
		t.Fatalf("notificationId = %v", got.body.Value["notificationId"])
	}
}

func TestConnectorSendRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conversation not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Connector{httpClient: srv.Client()}
	err := c.Send(context.Background(), Target{ServiceURL: srv.URL, ConversationID: "conv"}, Message{Text: "hi"})
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if derr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", derr.StatusCode)
	}
}

func TestConnectorSendIncompleteTarget(t *testing.T) {
	c := &Connector{httpClient: http.DefaultClient}
	if err := c.Send(context.Background(), Target{}, Message{Text: "hi"}); err == nil {
		t.Fatal("incomplete target accepted")
	}
	if err := c.Send(context.Background(), Target{ServiceURL: "https://smba.example.com"}, Message{}); err == nil {
		t.Fatal("missing conversation accepted")
	}
}
