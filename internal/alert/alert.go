package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts replication alerts to a Slack incoming webhook. A disabled
// manager, or one without a webhook, drops every alert.
type Manager struct {
	enabled      bool
	slackWebhook string
	nodeID       string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook, nodeID string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, nodeID, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook, nodeID string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		nodeID:       nodeID,
		httpClient:   client,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

func (m *Manager) footer() string {
	if m.nodeID == "" {
		return "echolog"
	}
	return "echolog " + m.nodeID
}

func (m *Manager) SendBackupUnreachableAlert(backupID, url, reason string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *BACKUP UNREACHABLE*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Backup Health Check Failed",
				Fields: []slackField{
					{Title: "Backup", Value: backupID, Short: true},
					{Title: "URL", Value: url, Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: m.footer(),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendDivergenceAlert(backupID string, lastApplied int64, expectedDigest, actualDigest string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *REPLICA LOG DIVERGENCE*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Backup Log Does Not Match History",
				Fields: []slackField{
					{Title: "Backup", Value: backupID, Short: true},
					{Title: "Last Applied", Value: fmt.Sprintf("%d", lastApplied), Short: true},
					{Title: "Expected Digest", Value: expectedDigest, Short: false},
					{Title: "Actual Digest", Value: actualDigest, Short: false},
				},
				Footer: m.footer(),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendDeliveryFailedAlert(backupID string, sequence uint64, attempts int, lastErr string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *REPLICATION DELIVERY FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Delivery Attempts Exhausted",
				Fields: []slackField{
					{Title: "Backup", Value: backupID, Short: true},
					{Title: "Sequence", Value: fmt.Sprintf("%d", sequence), Short: true},
					{Title: "Attempts", Value: fmt.Sprintf("%d", attempts), Short: true},
					{Title: "Last Error", Value: lastErr, Short: false},
				},
				Footer: m.footer(),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: m.footer(),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
