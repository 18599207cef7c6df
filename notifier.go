package medallion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// Notifier is told about every finished step.
type Notifier interface {
	Notify(context.Context, *Result) error
}

// Result is the outcome of one step of a job.
type Result struct {
	Job     *Job
	Stage   Stage
	Elapsed time.Duration
	Error   error
}

// Succeeded reports whether the step finished without error.
func (r *Result) Succeeded() bool {
	return r.Error == nil
}

func (r *Result) summary() string {
	if r.Succeeded() {
		return fmt.Sprintf("%s %s stage finished", r.Job.Name, r.Stage)
	}
	return fmt.Sprintf("%s %s stage failed", r.Job.Name, r.Stage)
}

// SlackNotifier posts step results to a Slack channel with a bot token.
type SlackNotifier struct {
	Channel   string
	IconEmoji string
	Username  string
	Token     string

	// URL replaces the chat.postMessage endpoint.
	URL string

	HTTPClient *http.Client
}

type slackMessage struct {
	Channel     string            `json:"channel"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func newSlackMessage(r *Result) *slackMessage {
	a := slackAttachment{
		Color: "good",
		Fields: []slackField{
			{Title: "Dataset", Value: r.Job.Dataset, Short: true},
			{Title: "Elapsed", Value: r.Elapsed.Round(time.Second).String(), Short: true},
		},
	}
	if !r.Succeeded() {
		a.Color = "danger"
		a.Fields = append(a.Fields, slackField{Title: "Error", Value: r.Error.Error()})
	}

	return &slackMessage{
		Text:        r.summary(),
		Attachments: []slackAttachment{a},
	}
}

// Notify posts r to the channel.
func (n *SlackNotifier) Notify(ctx context.Context, r *Result) error {
	m := newSlackMessage(r)
	m.Channel = n.Channel
	m.IconEmoji = n.IconEmoji
	m.Username = n.Username

	if err := n.post(ctx, m); err != nil {
		return xerrors.Errorf("slack postMessage failed: %w", err)
	}

	return nil
}

func (n *SlackNotifier) post(ctx context.Context, m *slackMessage) error {
	body, err := json.Marshal(m)
	if err != nil {
		return xerrors.Errorf("failed to marshal json: %w", err)
	}

	u := n.URL
	if u == "" {
		u = slackPostMessageURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("failed to build http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+n.Token)

	c := n.HTTPClient
	if c == nil {
		c = http.DefaultClient
	}

	resp, err := c.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Errorf("failed to read response body: %w", err)
	}
	log.Ctx(ctx).Debug().Int("status", resp.StatusCode).Bytes("body", b).Msg("slack responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Errorf("slack answered %d: %s", resp.StatusCode, b)
	}

	var sr slackResponse
	if err := json.Unmarshal(b, &sr); err != nil {
		return xerrors.Errorf("failed to unmarshal response body: %w", err)
	}
	if !sr.OK {
		return xerrors.Errorf("slack rejected the message: %s", sr.Error)
	}

	return nil
}
