// Package alert posts notifications about monkey failures and flock status
// to Slack. Posting is best effort: callers log failures and move on.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/logging"
)

// dateFormat is used for timestamps shown in alerts.
const dateFormat = "2006-01-02 15:04:05"

// maxCodeLength truncates error text so a message stays within Slack limits.
const maxCodeLength = 2900

// Field is one labelled value in a message.
type Field struct {
	Title string
	Value string
}

// Message is a structured notification.
type Message struct {
	Text   string
	Fields []Field
	// Code is shown as a preformatted block, typically error output.
	Code string
}

// Sink receives messages.
type Sink interface {
	Post(ctx context.Context, msg Message) error
}

// Source identifies the monkey an error came from.
type Source struct {
	Flock    string
	Monkey   string
	User     string
	Business string
}

// NewErrorMessage builds the alert for an error raised by a monkey. When the
// error carries a timing event, the event and its start time are included.
func NewErrorMessage(err error, src Source, now time.Time) Message {
	msg := Message{
		Text: fmt.Sprintf("Error in %s", src.Business),
		Fields: []Field{
			{Title: "Date", Value: now.UTC().Format(dateFormat)},
			{Title: "User", Value: src.User},
		},
	}
	if src.Flock != "" {
		msg.Fields = append(msg.Fields, Field{Title: "Flock", Value: src.Flock})
	}
	if src.Monkey != "" && src.Monkey != src.User {
		msg.Fields = append(msg.Fields, Field{Title: "Monkey", Value: src.Monkey})
	}

	var bizErr *errors.BusinessError
	if errors.As(err, &bizErr) && bizErr.Event != "" {
		msg.Fields = append(msg.Fields,
			Field{Title: "Event", Value: bizErr.Event},
			Field{Title: "Started", Value: bizErr.StartedAt.UTC().Format(dateFormat)},
		)
		for k, v := range bizErr.Annotations {
			msg.Fields = append(msg.Fields, Field{Title: k, Value: v})
		}
	}

	code := err.Error()
	if len(code) > maxCodeLength {
		code = code[:maxCodeLength] + "..."
	}
	msg.Code = code
	return msg
}

// Slack posts messages to a Slack incoming webhook.
type Slack struct {
	hook   string
	client *http.Client
	logger *logging.Logger
}

// NewSlack creates a Slack sink for the given webhook URL.
func NewSlack(hook string, client *http.Client, logger *logging.Logger) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Slack{hook: hook, client: client, logger: logger}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// render converts a message into Slack Block Kit JSON.
func render(msg Message) slackPayload {
	payload := slackPayload{
		Text: msg.Text,
		Blocks: []slackBlock{{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: msg.Text},
		}},
	}
	if len(msg.Fields) > 0 {
		fields := make([]slackText, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", f.Title, f.Value)})
		}
		payload.Blocks = append(payload.Blocks, slackBlock{Type: "section", Fields: fields})
	}
	if msg.Code != "" {
		code := strings.ReplaceAll(msg.Code, "```", "'''")
		payload.Blocks = append(payload.Blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: "```\n" + code + "\n```"},
		})
	}
	return payload
}

// Post sends msg to the webhook.
func (s *Slack) Post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(render(msg))
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	s.logger.Debug("posted slack message", "text", msg.Text)
	return nil
}
