package services

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// AuditService ships audit events to a logging webhook. Every send is
// fire-and-forget: delivery failures are logged and swallowed, never
// surfaced to callers. A nil service or empty webhook URL disables sending
// while keeping the local log line.
type AuditService struct {
	webhookURL string
	httpClient *http.Client
}

// NewAuditService creates an audit service posting to webhookURL.
func NewAuditService(webhookURL string) *AuditService {
	return &AuditService{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type auditEvent struct {
	Kind      string `json:"kind"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Emit sends one audit event. Error events are flagged in the payload so the
// receiving side can alert on them. If attachment names an existing file it
// is uploaded alongside the event.
func (s *AuditService) Emit(kind, actor, message string, err error, attachment string) {
	errText := ""
	if err != nil {
		errText = err.Error()
		log.Printf("🔔 [AUDIT] %s by %s: %s (error: %v)", kind, actor, message, err)
	} else {
		log.Printf("🔔 [AUDIT] %s by %s: %s", kind, actor, message)
	}

	if s == nil || s.webhookURL == "" {
		return
	}

	event := auditEvent{
		Kind:      kind,
		Actor:     actor,
		Message:   message,
		Error:     errText,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	go s.post(event, attachment)
}

// post performs the actual webhook delivery off the caller's goroutine.
func (s *AuditService) post(event auditEvent, attachment string) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("⚠️  [AUDIT] Failed to encode event: %v", err)
		return
	}

	var req *http.Request
	if attachment != "" {
		if _, statErr := os.Stat(attachment); statErr == nil {
			req, err = s.multipartRequest(payload, attachment)
		} else {
			log.Printf("⚠️  [AUDIT] Attachment not found, sending without it: %s", attachment)
			req, err = s.jsonRequest(payload)
		}
	} else {
		req, err = s.jsonRequest(payload)
	}
	if err != nil {
		log.Printf("⚠️  [AUDIT] Failed to build webhook request: %v", err)
		return
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("⚠️  [AUDIT] Webhook delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("⚠️  [AUDIT] Webhook returned %d: %s", resp.StatusCode, string(body))
	}
}

func (s *AuditService) jsonRequest(payload []byte) (*http.Request, error) {
	req, err := http.NewRequest("POST", s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *AuditService) multipartRequest(payload []byte, attachment string) (*http.Request, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	writer.WriteField("payload_json", string(payload))

	part, err := writer.CreateFormFile("file", filepath.Base(attachment))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(attachment)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	writer.Close()

	req, err := http.NewRequest("POST", s.webhookURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}
