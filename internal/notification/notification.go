/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/request"
)

const (
	EventTransferFailed = "transfer.failed"
	EventRollbackFailed = "transfer.rollback_failed"
)

// Alert describes a condition an operator has to act on.
type Alert struct {
	Event      string    `json:"event"`
	TransferID string    `json:"transfer_id"`
	ClubID     string    `json:"club_id"`
	Step       string    `json:"step,omitempty"`
	Error      string    `json:"error"`
	Time       time.Time `json:"time"`
}

// Notifier delivers alerts to the configured Slack webhook and generic webhook. Either
// target may be empty.
type Notifier struct {
	slackURL       string
	webhookURL     string
	webhookHeaders map[string]string
	client         *http.Client
}

func New(cnf config.Notification, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		slackURL:       cnf.Slack.WebhookUrl,
		webhookURL:     cnf.Webhook.Url,
		webhookHeaders: cnf.Webhook.Headers,
		client:         client,
	}
}

// Notify sends alert synchronously and returns the first delivery error.
func (n *Notifier) Notify(ctx context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = time.Now()
	}
	var firstErr error
	if n.slackURL != "" {
		if err := n.post(ctx, n.slackURL, slackMessage(alert), nil); err != nil {
			firstErr = fmt.Errorf("slack: %w", err)
		}
	}
	if n.webhookURL != "" {
		if err := n.post(ctx, n.webhookURL, alert, n.webhookHeaders); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("webhook: %w", err)
		}
	}
	return firstErr
}

// NotifyAsync logs the alert and delivers it in the background.
func (n *Notifier) NotifyAsync(alert Alert) {
	logrus.WithFields(logrus.Fields{
		"event":       alert.Event,
		"transfer_id": alert.TransferID,
		"club_id":     alert.ClubID,
		"step":        alert.Step,
	}).Error(alert.Error)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := n.Notify(ctx, alert); err != nil {
			logrus.WithError(err).Warn("failed to deliver alert")
		}
	}()
}

func (n *Notifier) post(ctx context.Context, url string, payload interface{}, headers map[string]string) error {
	body, err := request.ToJsonReq(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	_, err = request.Call(n.client, req, nil)
	return err
}

func slackMessage(alert Alert) json.RawMessage {
	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Transfer:*\n%s", alert.TransferID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Club:*\n%s", alert.ClubID)},
	}
	if alert.Step != "" {
		fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*Step:*\n%s", alert.Step)})
	}
	msg := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": fmt.Sprintf("Roster: %s", alert.Event), "emoji": true},
			},
			{"type": "section", "fields": fields},
			{
				"type": "section",
				"fields": []map[string]interface{}{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%s", alert.Error)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%s", alert.Time.Format(time.RFC822))},
				},
			},
		},
	}
	raw, _ := json.Marshal(msg)
	return raw
}
