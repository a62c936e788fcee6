package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scrapebot/internal/models"
)

const telegramAPIBase = "https://api.telegram.org/bot"

// Transport is the chat-delivery contract the orchestrator and bot depend
// on. Reply opens a response thread and returns the message ID for later
// edits; FollowUp appends to the conversation without one.
type Transport interface {
	Reply(ctx context.Context, chatID int64, text string, files []string) (int64, error)
	EditReply(ctx context.Context, chatID, messageID int64, text string) error
	FollowUp(ctx context.Context, chatID int64, text string, files []string) error
}

// UpdateHandler receives every update the poller pulls from Telegram.
type UpdateHandler func(update models.TelegramUpdate)

// TelegramService talks to the Telegram Bot API over HTTP. Outbound
// messages are rendered to Telegram's HTML subset; when Telegram rejects
// the entities the message is retried as plain text.
type TelegramService struct {
	token      string
	httpClient *http.Client
	// pollingClient has a longer timeout than the 30s long-poll window
	pollingClient *http.Client
	sendLimiter   *rate.Limiter

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTelegramService creates a Telegram Bot API client for the given token.
func NewTelegramService(token string) *TelegramService {
	return &TelegramService{
		token:         token,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		pollingClient: &http.Client{Timeout: 35 * time.Second},
		// Telegram allows ~30 messages/second bot-wide
		sendLimiter: rate.NewLimiter(rate.Limit(25), 5),
		stopChan:    make(chan struct{}),
	}
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (s *TelegramService) apiURL(method string) string {
	return telegramAPIBase + s.token + "/" + method
}

// call posts a JSON payload to a Bot API method and decodes the result
// into out when out is non-nil.
func (s *TelegramService) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeAPIResponse(resp, method, out)
}

func decodeAPIResponse(resp *http.Response, method string, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !apiResp.Ok {
		return fmt.Errorf("%s rejected: %s", method, apiResp.Description)
	}
	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe verifies the bot token and returns the bot account.
func (s *TelegramService) GetMe(ctx context.Context) (*models.TelegramUser, error) {
	var me models.TelegramUser
	if err := s.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// SendMessage sends a Markdown-formatted message and returns its message
// ID. The text is rendered to Telegram HTML; if Telegram cannot parse the
// entities the message is resent as plain text.
func (s *TelegramService) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	return s.sendMessage(ctx, chatID, text, nil)
}

// SendMessageWithKeyboard sends a message with an inline keyboard attached.
func (s *TelegramService) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *models.TelegramInlineKeyboard) (int64, error) {
	return s.sendMessage(ctx, chatID, text, keyboard)
}

func (s *TelegramService) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.TelegramInlineKeyboard) (int64, error) {
	if err := s.sendLimiter.Wait(ctx); err != nil {
		return 0, err
	}

	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     RenderTelegramHTML(text),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}

	var msg models.TelegramMessage
	err := s.call(ctx, "sendMessage", payload, &msg)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		// HTML render produced something Telegram rejects, fall back to plain
		log.Printf("⚠️  [TELEGRAM] Entity parse failure, resending as plain text: %v", err)
		payload["text"] = StripMarkdown(text)
		delete(payload, "parse_mode")
		err = s.call(ctx, "sendMessage", payload, &msg)
	}
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessage replaces the text of a previously sent message.
func (s *TelegramService) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	if err := s.sendLimiter.Wait(ctx); err != nil {
		return err
	}

	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       RenderTelegramHTML(text),
		"parse_mode": "HTML",
	}
	err := s.call(ctx, "editMessageText", payload, nil)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		payload["text"] = StripMarkdown(text)
		delete(payload, "parse_mode")
		err = s.call(ctx, "editMessageText", payload, nil)
	}
	// Telegram errors when the replacement text is identical, which is fine
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// SendDocument uploads a local file to the chat as a document attachment.
func (s *TelegramService) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	if err := s.sendLimiter.Wait(ctx); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("chat_id", fmt.Sprintf("%d", chatID))
	if caption != "" {
		writer.WriteField("caption", caption)
	}

	part, err := writer.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy document body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL("sendDocument"), &buf)
	if err != nil {
		return fmt.Errorf("failed to create sendDocument request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendDocument request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeAPIResponse(resp, "sendDocument", nil)
}

// SendPhoto uploads a local image to the chat with an optional caption.
func (s *TelegramService) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	if err := s.sendLimiter.Wait(ctx); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open photo: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("chat_id", fmt.Sprintf("%d", chatID))
	if caption != "" {
		writer.WriteField("caption", caption)
	}

	part, err := writer.CreateFormFile("photo", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy photo body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL("sendPhoto"), &buf)
	if err != nil {
		return fmt.Errorf("failed to create sendPhoto request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendPhoto request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeAPIResponse(resp, "sendPhoto", nil)
}

// AnswerCallbackQuery acknowledges an inline keyboard button press.
func (s *TelegramService) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return s.call(ctx, "answerCallbackQuery", payload, nil)
}

// Reply sends text (when non-empty) followed by the given files as
// documents, returning the ID of the text message for later edits.
func (s *TelegramService) Reply(ctx context.Context, chatID int64, text string, files []string) (int64, error) {
	var messageID int64
	if text != "" {
		id, err := s.SendMessage(ctx, chatID, text)
		if err != nil {
			return 0, err
		}
		messageID = id
	}
	if err := s.sendFiles(ctx, chatID, files); err != nil {
		return messageID, err
	}
	return messageID, nil
}

// EditReply rewrites an earlier reply in place.
func (s *TelegramService) EditReply(ctx context.Context, chatID, messageID int64, text string) error {
	return s.EditMessage(ctx, chatID, messageID, text)
}

// FollowUp appends a message and files to the conversation.
func (s *TelegramService) FollowUp(ctx context.Context, chatID int64, text string, files []string) error {
	if text != "" {
		if _, err := s.SendMessage(ctx, chatID, text); err != nil {
			return err
		}
	}
	return s.sendFiles(ctx, chatID, files)
}

// sendFiles delivers each file, routing image batch descriptors to photo
// uploads and everything else to document uploads. The first failure
// aborts the remainder so a batch fails as a unit.
func (s *TelegramService) sendFiles(ctx context.Context, chatID int64, files []string) error {
	for _, path := range files {
		if isImageBatchFile(path) {
			if err := s.sendImageBatch(ctx, chatID, path); err != nil {
				return fmt.Errorf("failed to send image batch %s: %w", filepath.Base(path), err)
			}
			continue
		}
		if err := s.SendDocument(ctx, chatID, path, ""); err != nil {
			return fmt.Errorf("failed to send %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func isImageBatchFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, "images_") && strings.HasSuffix(name, ".json")
}

// sendImageBatch expands a batch descriptor into photo uploads.
func (s *TelegramService) sendImageBatch(ctx context.Context, chatID int64, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read batch descriptor: %w", err)
	}
	var entries []models.ImageBatchEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("failed to decode batch descriptor: %w", err)
	}
	for _, entry := range entries {
		if err := s.SendPhoto(ctx, chatID, entry.Path, entry.Description); err != nil {
			// A single broken image should not sink the batch, Telegram
			// rejects some formats it cannot thumbnail
			log.Printf("⚠️  [TELEGRAM] Photo upload failed for %s, retrying as document: %v", entry.Path, err)
			if docErr := s.SendDocument(ctx, chatID, entry.Path, entry.Description); docErr != nil {
				return docErr
			}
		}
	}
	return nil
}

// StartPolling long-polls getUpdates and dispatches each update to the
// handler on its own goroutine. Blocks until StopPolling is called.
func (s *TelegramService) StartPolling(handler UpdateHandler) {
	log.Println("✅ [TELEGRAM] Update polling started")
	var offset int64

	for {
		select {
		case <-s.stopChan:
			s.wg.Wait()
			log.Println("✅ [TELEGRAM] Update polling stopped")
			return
		default:
		}

		updates, err := s.getUpdates(offset)
		if err != nil {
			select {
			case <-s.stopChan:
				continue
			default:
			}
			log.Printf("❌ [TELEGRAM] getUpdates failed: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			s.wg.Add(1)
			go func(u models.TelegramUpdate) {
				defer s.wg.Done()
				handler(u)
			}(update)
		}
	}
}

// StopPolling stops the poller and waits for in-flight handlers.
func (s *TelegramService) StopPolling() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *TelegramService) getUpdates(offset int64) ([]models.TelegramUpdate, error) {
	params := url.Values{}
	params.Set("timeout", "30")
	if offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", offset))
	}
	params.Set("allowed_updates", `["message","callback_query"]`)

	resp, err := s.pollingClient.Get(s.apiURL("getUpdates") + "?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("getUpdates request failed: %w", err)
	}
	defer resp.Body.Close()

	var updates []models.TelegramUpdate
	if err := decodeAPIResponse(resp, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}
