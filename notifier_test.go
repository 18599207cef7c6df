package medallion_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/landbrugsdata/medallion"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(f roundTripperFunc) *http.Client {
	return &http.Client{Transport: f}
}

type postedMessage struct {
	Channel     string `json:"channel"`
	Text        string `json:"text"`
	Attachments []struct {
		Color  string `json:"color"`
		Fields []struct {
			Title string `json:"title"`
			Value string `json:"value"`
		} `json:"fields"`
	} `json:"attachments"`
}

func TestSlackNotifier(t *testing.T) {
	var got postedMessage
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != "https://slack.com/api/chat.postMessage" {
			t.Errorf("unexpected url: %s", req.URL)
		}
		if req.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("unexpected Authorization header: %q", req.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewBufferString(`{"ok":true}`)),
			Header:     http.Header{},
		}, nil
	})

	n := &medallion.SlackNotifier{
		Channel:    "#channel",
		Token:      "token",
		IconEmoji:  ":emoji:",
		Username:   "username",
		HTTPClient: client,
	}

	r := &medallion.Result{
		Job:     &medallion.Job{Name: "bnbo", Dataset: "bnbo_status"},
		Stage:   medallion.StageSilver,
		Elapsed: 90 * time.Second,
		Error:   errors.New("boom"),
	}

	if err := n.Notify(context.Background(), r); err != nil {
		t.Errorf("unexpected slack.Notify error: %s", err)
	}

	if got.Channel != "#channel" {
		t.Errorf("unexpected channel: %q", got.Channel)
	}
	if got.Text != "bnbo silver stage failed" {
		t.Errorf("unexpected text: %q", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Color != "danger" {
		t.Fatalf("failed steps should have one danger attachment, but %+v", got.Attachments)
	}

	fields := map[string]string{}
	for _, f := range got.Attachments[0].Fields {
		fields[f.Title] = f.Value
	}
	expected := map[string]string{"Dataset": "bnbo_status", "Elapsed": "1m30s", "Error": "boom"}
	for k, v := range expected {
		if fields[k] != v {
			t.Errorf("field %s should be %q, but %q", k, v, fields[k])
		}
	}
}

func TestSlackNotifier_httpError(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Body:       io.NopCloser(bytes.NewBufferString(`ratelimited`)),
			Header:     http.Header{},
		}, nil
	})

	n := &medallion.SlackNotifier{Token: "token", URL: "https://slack.example/post", HTTPClient: client}
	r := &medallion.Result{Job: &medallion.Job{Name: "dst"}, Stage: medallion.StageBronze}

	err := n.Notify(context.Background(), r)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status error, but %v", err)
	}
}

func TestSlackNotifier_notOK(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewBufferString(`{"ok":false,"error":"channel_not_found"}`)),
			Header:     http.Header{},
		}, nil
	})

	n := &medallion.SlackNotifier{Channel: "#nope", Token: "token", HTTPClient: client}
	r := &medallion.Result{Job: &medallion.Job{Name: "dst"}, Stage: medallion.StageBronze}

	err := n.Notify(context.Background(), r)
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("expected channel_not_found error, but %v", err)
	}
}
