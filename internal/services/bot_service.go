package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scrapebot/internal/models"
)

const (
	callbackViewMarkdown  = "view_markdown"
	callbackViewPlaintext = "view_plaintext"
	leaderboardLimit      = 10
)

// BotService routes incoming Telegram updates: slash commands to the
// delivery pipeline or the stats store, inline button presses to the
// session cache.
type BotService struct {
	telegram     *TelegramService
	orchestrator *DeliveryOrchestrator
	sessions     *SessionCacheService
	stats        *StatsService
	registry     *ArtifactRegistryService
	outputDir    string
	botUsername  string
}

// NewBotService creates the update router. botUsername (without the @) is
// used to strip command mentions in group chats.
func NewBotService(
	telegram *TelegramService,
	orchestrator *DeliveryOrchestrator,
	sessions *SessionCacheService,
	stats *StatsService,
	registry *ArtifactRegistryService,
	outputDir string,
	botUsername string,
) *BotService {
	return &BotService{
		telegram:     telegram,
		orchestrator: orchestrator,
		sessions:     sessions,
		stats:        stats,
		registry:     registry,
		outputDir:    outputDir,
		botUsername:  botUsername,
	}
}

// HandleUpdate is the UpdateHandler wired into the poller.
func (s *BotService) HandleUpdate(update models.TelegramUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch {
	case update.CallbackQuery != nil:
		s.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		s.handleMessage(ctx, update.Message)
	}
}

func (s *BotService) handleMessage(ctx context.Context, msg *models.TelegramMessage) {
	if msg.From == nil || msg.From.IsBot || msg.Chat == nil {
		return
	}

	command, arg := s.parseCommand(msg.Text)
	if command == "" {
		return
	}

	tenant := tenantFor(msg.Chat)
	userID := fmt.Sprintf("%d", msg.From.ID)

	switch command {
	case "/scrape":
		s.runScrape(ctx, msg, tenant, userID, arg, models.SessionKindScrape)
	case "/images":
		s.runScrape(ctx, msg, tenant, userID, arg, models.SessionKindImages)
	case "/leaderboard":
		s.sendLeaderboard(ctx, msg.Chat.ID, s.stats.TenantLeaderboard(tenant, leaderboardLimit), leaderboardTitle(msg.Chat))
	case "/global":
		s.sendLeaderboard(ctx, msg.Chat.ID, s.stats.GlobalLeaderboard(leaderboardLimit), "🌍 Global Leaderboard")
	case "/help", "/start":
		if _, err := s.telegram.SendMessage(ctx, msg.Chat.ID, helpText(s.registry.Retention())); err != nil {
			log.Printf("⚠️  [BOT] Failed to send help: %v", err)
		}
	}
}

// parseCommand extracts the leading slash command and its argument,
// stripping an @botname mention when present.
func (s *BotService) parseCommand(text string) (command, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}

	fields := strings.Fields(text)
	command = strings.ToLower(fields[0])
	if at := strings.Index(command, "@"); at >= 0 {
		mention := command[at+1:]
		if s.botUsername != "" && !strings.EqualFold(mention, s.botUsername) {
			// Command addressed to another bot in the group
			return "", ""
		}
		command = command[:at]
	}
	if len(fields) > 1 {
		arg = fields[1]
	}
	return command, arg
}

func (s *BotService) runScrape(ctx context.Context, msg *models.TelegramMessage, tenant, userID, urlArg string, kind models.SessionKind) {
	if urlArg == "" {
		usage := "Usage: /scrape <url>"
		if kind == models.SessionKindImages {
			usage = "Usage: /images <url>"
		}
		if _, err := s.telegram.SendMessage(ctx, msg.Chat.ID, usage); err != nil {
			log.Printf("⚠️  [BOT] Failed to send usage: %v", err)
		}
		return
	}

	req := ScrapeRequest{
		Tenant:      tenant,
		UserID:      userID,
		DisplayName: msg.From.DisplayName(),
		ChatID:      msg.Chat.ID,
		URL:         urlArg,
	}

	var report *DeliveryReport
	var err error
	if kind == models.SessionKindImages {
		report, err = s.orchestrator.HandleImages(ctx, req)
	} else {
		report, err = s.orchestrator.HandleScrape(ctx, req)
	}
	if err != nil {
		log.Printf("❌ [BOT] Request for %s failed: %v", urlArg, err)
		if err == ErrShuttingDown {
			if _, sendErr := s.telegram.SendMessage(ctx, msg.Chat.ID, "⏳ The bot is restarting, please try again in a moment."); sendErr != nil {
				log.Printf("⚠️  [BOT] Failed to send shutdown notice: %v", sendErr)
			}
		}
		return
	}

	// Offer re-render options while the markdown artifacts are still alive
	if kind == models.SessionKindScrape && report.State == StateCompleted && report.Files > 0 {
		keyboard := &models.TelegramInlineKeyboard{
			InlineKeyboard: [][]models.TelegramInlineButton{{
				{Text: "📄 Markdown", CallbackData: callbackViewMarkdown},
				{Text: "📝 Plain text", CallbackData: callbackViewPlaintext},
			}},
		}
		if _, err := s.telegram.SendMessageWithKeyboard(ctx, msg.Chat.ID, "Need the content in another format?", keyboard); err != nil {
			log.Printf("⚠️  [BOT] Failed to send format keyboard: %v", err)
		}
	}
}

func (s *BotService) handleCallback(ctx context.Context, cb *models.TelegramCallbackQuery) {
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	defer func() {
		if err := s.telegram.AnswerCallbackQuery(ctx, cb.ID, ""); err != nil {
			log.Printf("⚠️  [BOT] Failed to answer callback: %v", err)
		}
	}()

	userID := fmt.Sprintf("%d", cb.From.ID)
	chatID := cb.Message.Chat.ID

	switch cb.Data {
	case callbackViewMarkdown:
		s.resendMarkdown(ctx, chatID, userID)
	case callbackViewPlaintext:
		s.sendPlaintext(ctx, chatID, userID)
	}
}

// liveSessionFiles returns the user's last scrape session and the subset
// of its artifacts that still exist on disk.
func (s *BotService) liveSessionFiles(userID string) (*models.SessionEntry, []string) {
	entry, ok := s.sessions.Get(userID, models.SessionKindScrape)
	if !ok {
		return nil, nil
	}
	var live []string
	for _, path := range entry.ArtifactPaths {
		if _, err := os.Stat(path); err == nil {
			live = append(live, path)
		}
	}
	return entry, live
}

func (s *BotService) resendMarkdown(ctx context.Context, chatID int64, userID string) {
	entry, files := s.liveSessionFiles(userID)
	if entry == nil || len(files) == 0 {
		s.sendExpiredNotice(ctx, chatID)
		return
	}
	for _, path := range files {
		if err := s.telegram.SendDocument(ctx, chatID, path, ""); err != nil {
			log.Printf("⚠️  [BOT] Failed to resend %s: %v", path, err)
		}
	}
}

// sendPlaintext re-renders the cached markdown artifacts as plain text
// files. The derived files are registered so they are evicted on the same
// schedule as everything else.
func (s *BotService) sendPlaintext(ctx context.Context, chatID int64, userID string) {
	entry, files := s.liveSessionFiles(userID)
	if entry == nil || len(files) == 0 {
		s.sendExpiredNotice(ctx, chatID)
		return
	}

	timestamp := time.Now().UnixMilli()
	for i, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("⚠️  [BOT] Failed to read %s: %v", path, err)
			continue
		}

		plainPath := filepath.Join(s.outputDir, fmt.Sprintf("plaintext_%d_%d.txt", timestamp, i+1))
		if err := os.WriteFile(plainPath, []byte(StripMarkdown(string(raw))), 0o644); err != nil {
			log.Printf("⚠️  [BOT] Failed to write %s: %v", plainPath, err)
			continue
		}
		if _, err := s.registry.Register(plainPath, userID, entry.Origin); err != nil {
			log.Printf("⚠️  [BOT] Failed to register %s: %v", plainPath, err)
		}
		if err := s.telegram.SendDocument(ctx, chatID, plainPath, ""); err != nil {
			log.Printf("⚠️  [BOT] Failed to send %s: %v", plainPath, err)
		}
	}
}

func (s *BotService) sendExpiredNotice(ctx context.Context, chatID int64) {
	if _, err := s.telegram.SendMessage(ctx, chatID, "No scraped content found. Please use the /scrape command first."); err != nil {
		log.Printf("⚠️  [BOT] Failed to send expiry notice: %v", err)
	}
}

func (s *BotService) sendLeaderboard(ctx context.Context, chatID int64, entries []models.LeaderboardEntry, title string) {
	if _, err := s.telegram.SendMessage(ctx, chatID, renderLeaderboard(title, entries)); err != nil {
		log.Printf("⚠️  [BOT] Failed to send leaderboard: %v", err)
	}
}

// renderLeaderboard formats ranked entries as Markdown for the transport's
// HTML renderer.
func renderLeaderboard(title string, entries []models.LeaderboardEntry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("**%s**\n\nNo scrapes recorded yet. Be the first with /scrape!", title)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n\n", title)
	medals := []string{"🥇", "🥈", "🥉"}
	for i, entry := range entries {
		rank := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			rank = medals[i]
		}
		name := entry.Stat.Username
		if name == "" {
			name = entry.UserID
		}
		fmt.Fprintf(&b, "%s **%s** — %d page(s)\n", rank, name, entry.Stat.PagesScraped)
		if entry.Stat.LastScrapedAt != nil && entry.Stat.LastScrapedURL != "" {
			fmt.Fprintf(&b, "   last: %s\n", entry.Stat.LastScrapedURL)
		}
	}
	return b.String()
}

func leaderboardTitle(chat *models.TelegramChat) string {
	if chat.Type == "private" {
		return "🏆 Your Scrape Stats"
	}
	if chat.Title != "" {
		return fmt.Sprintf("🏆 %s Leaderboard", chat.Title)
	}
	return "🏆 Group Leaderboard"
}

// tenantFor maps a chat to its stats tenant: group chats keep their own
// scope, direct messages share the default scope.
func tenantFor(chat *models.TelegramChat) string {
	if chat.Type == "private" {
		return models.TenantDirect
	}
	return fmt.Sprintf("%d", chat.ID)
}

func helpText(retention time.Duration) string {
	return strings.Join([]string{
		"**Webpage Scraper Bot**",
		"",
		"/scrape <url> — convert a webpage to Markdown files",
		"/images <url> — extract the images from a webpage",
		"/leaderboard — top scrapers in this chat",
		"/global — top scrapers across every chat",
		"/help — this message",
		"",
		fmt.Sprintf("Generated files are deleted %d minutes after delivery.", int(retention.Minutes())),
	}, "\n")
}
