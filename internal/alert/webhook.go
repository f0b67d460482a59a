package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier receives flag-sharing alerts. Implementations must never
// block arbitration: failures are logged, not returned.
type Notifier interface {
	FlagShared(ctx context.Context, a SharingAlert)
}

// SharingAlert describes one detected cross-identity flag submission.
type SharingAlert struct {
	ChallengeName string
	FlagValue     string
	OwnerName     string
	SubmitterName string
	Banned        bool
}

// Webhook posts alerts to a Discord-compatible webhook URL.
type Webhook struct {
	url    string
	client *http.Client
	log    logrus.FieldLogger
}

func NewWebhook(url string, log logrus.FieldLogger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.WithField("component", "alert"),
	}
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// FlagShared fires the webhook. Errors are swallowed after logging so a
// dead webhook never affects verdicts.
func (w *Webhook) FlagShared(ctx context.Context, a SharingAlert) {
	action := "flagged"
	if a.Banned {
		action = "banned"
	}
	payload := webhookPayload{Embeds: []embed{{
		Title:       "Flag sharing detected",
		Description: fmt.Sprintf("%s submitted a flag issued to %s; both were %s.", a.SubmitterName, a.OwnerName, action),
		Color:       0xe74c3c,
		Fields: []embedField{
			{Name: "Challenge", Value: a.ChallengeName, Inline: true},
			{Name: "Flag", Value: a.FlagValue, Inline: true},
			{Name: "Issued to", Value: a.OwnerName, Inline: true},
			{Name: "Submitted by", Value: a.SubmitterName, Inline: true},
		},
	}}}

	body, err := json.Marshal(payload)
	if err != nil {
		w.log.WithError(err).Warn("encode alert payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.WithError(err).Warn("build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.WithError(err).Warn("deliver alert")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.log.WithField("status", resp.StatusCode).Warn("alert webhook rejected payload")
	}
}

// Discard is a Notifier that drops every alert, for deployments with
// no webhook configured.
type Discard struct{}

func (Discard) FlagShared(context.Context, SharingAlert) {}
