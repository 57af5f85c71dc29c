package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/bobarin/clipmaker/internal/config"
	"github.com/bobarin/clipmaker/internal/ledger"
	"github.com/bobarin/clipmaker/internal/media"
	"github.com/bobarin/clipmaker/internal/models"
	"github.com/bobarin/clipmaker/internal/notify"
	"github.com/bobarin/clipmaker/internal/pipeline"
	"github.com/bobarin/clipmaker/internal/queue"
	"github.com/bobarin/clipmaker/internal/services"
	"github.com/bobarin/clipmaker/internal/session"
	"github.com/bobarin/clipmaker/internal/storage"
)

const (
	// How long a pending payment is watched before the user is told to retry.
	paymentPollWindow   = 15 * time.Minute
	paymentPollInterval = 10 * time.Second
	paymentCheckTimeout = 30 * time.Second

	scriptPrompt = "You write short, punchy scripts for vertical social media videos. " +
		"The script is read aloud by a single presenter and must fit in about 30 seconds. " +
		"Write only the spoken text, no stage directions."
)

// avatars the user can pick for the presenter.
var avatars = []struct {
	Name   string
	Avatar session.Avatar
}{
	{"Anna", session.Avatar{AvatarRef: "Angela-inTshirt-20220820", VoiceRef: "1bd001e7e50f421d891986aad5158bc8"}},
	{"Daniel", session.Avatar{AvatarRef: "Daniel-inSuit-20230524", VoiceRef: "077ab11b14f04ce0b49f5bb87d9193ac"}},
	{"Mira", session.Avatar{AvatarRef: "Mira-inDress-20230712", VoiceRef: "26b2064088674c80b1e5fc5ab1a068ec"}},
}

// subtitleStyles maps display names to caption templates.
var subtitleStyles = []struct {
	Name       string
	TemplateID string
}{
	{"Classic", "14bcd077-3f98-465b-b788-1b628951c340"},
	{"Bold", "a6760d82-72c1-4190-bfdb-7d9c908732f1"},
	{"Minimal", "07ffd4b8-4e1a-4ee2-bf3b-30d8c5e60633"},
}

type Bot struct {
	api          *tgbotapi.BotAPI
	sessions     session.Store
	runner       *pipeline.Runner
	queue        *queue.Queue
	ledger       *ledger.Client
	trialCredits int
}

func main() {
	log.Println("Starting Clipmaker bot...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateBot(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}
	log.Printf("Authorized as @%s", botAPI.Self.UserName)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	sessions := session.NewRedisStore(rdb)

	q := queue.New(cfg.RedisAddr)
	defer q.Close()

	ledgerClient := ledger.NewClient(cfg.LedgerBaseURL, cfg.BackendAPIKey)
	stor := storage.New(cfg.StorageURL, cfg.StorageServiceKey, cfg.StorageBucket)
	merger := media.NewMerger(cfg.TempDir, stor, cfg.MusicVolumeGain)
	notifier := notify.NewTelegramNotifier(botAPI)

	bot := &Bot{
		api:          botAPI,
		sessions:     sessions,
		runner:       pipeline.NewRunner(q, ledgerClient, merger, sessions, notifier),
		queue:        q,
		ledger:       ledgerClient,
		trialCredits: cfg.TrialCredits,
	}

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30

	for update := range botAPI.GetUpdatesChan(updateCfg) {
		go bot.handleUpdate(update)
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(update.Message)
	case update.Message != nil:
		b.handleText(update.Message)
	}
}

func (b *Bot) loadSession(userID, chatID int64) *session.Session {
	sess, err := b.sessions.Get(context.Background(), userID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Printf("[Bot] Failed to load session for user %d: %v", userID, err)
		}
		return &session.Session{UserID: userID, ChatID: chatID, Stage: session.StageIdle}
	}
	sess.ChatID = chatID
	return sess
}

func (b *Bot) saveSession(sess *session.Session) {
	if err := b.sessions.Save(context.Background(), sess); err != nil {
		log.Printf("[Bot] Failed to save session for user %d: %v", sess.UserID, err)
	}
}

func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("[Bot] Failed to send message to chat %d: %v", chatID, err)
	}
}

func (b *Bot) sendKeyboard(chatID int64, text string, rows ...[]tgbotapi.InlineKeyboardButton) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("[Bot] Failed to send keyboard to chat %d: %v", chatID, err)
	}
}

// Commands

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		b.handleStart(userID, chatID)
	case "generate":
		b.handleGenerate(userID, chatID)
	case "buy":
		b.handleBuy(chatID)
	case "balance":
		b.handleBalance(userID, chatID)
	case "cancel":
		sess := b.loadSession(userID, chatID)
		sess.Reset()
		b.saveSession(sess)
		b.send(chatID, "Cancelled. Use /generate to start a new video.")
	default:
		b.send(chatID, "Unknown command. Available: /generate, /buy, /balance, /cancel")
	}
}

func (b *Bot) handleStart(userID, chatID int64) {
	ctx := context.Background()

	_, created, err := b.ledger.CreateUser(ctx, userID)
	if err != nil {
		log.Printf("[Bot] Failed to register user %d: %v", userID, err)
		b.send(chatID, "Something went wrong. Please try /start again.")
		return
	}

	sess := b.loadSession(userID, chatID)
	if created && b.trialCredits > 0 && !sess.DemoCreditsGiven {
		if _, err := b.ledger.AddCredits(ctx, userID, b.trialCredits, false); err != nil {
			log.Printf("[Bot] Failed to grant trial credits to user %d: %v", userID, err)
		} else {
			sess.DemoCreditsGiven = true
		}
	}
	b.saveSession(sess)

	b.send(chatID, "Welcome! I turn a short script into a vertical video with a presenter, "+
		"subtitles and background music.\n\n"+
		"/generate — create a video\n"+
		"/buy — buy generations\n"+
		"/balance — check your balance")
}

func (b *Bot) handleGenerate(userID, chatID int64) {
	sess := b.loadSession(userID, chatID)
	sess.Reset()
	sess.Stage = session.StageChoosingAvatar
	b.saveSession(sess)

	row := make([]tgbotapi.InlineKeyboardButton, 0, len(avatars))
	for i, a := range avatars {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Name, "avatar:"+strconv.Itoa(i)))
	}
	b.sendKeyboard(chatID, "Pick a presenter for your video:", row)
}

func (b *Bot) handleBuy(chatID int64) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(models.PackagePrices))
	for _, pkg := range []models.PackageType{models.PackageSmall, models.PackageMedium, models.PackageLarge, models.PackagePremium} {
		label := fmt.Sprintf("%s — %.0f KGS", models.PackageNames[pkg], models.PackagePrices[pkg])
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "buy:"+string(pkg)),
		))
	}
	b.sendKeyboard(chatID, "Choose a package:", rows...)
}

func (b *Bot) handleBalance(userID, chatID int64) {
	acct, err := b.ledger.GetUser(context.Background(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			b.send(chatID, "You are not registered yet. Use /start first.")
			return
		}
		b.send(chatID, "Could not fetch your balance. Please try again.")
		return
	}
	text := fmt.Sprintf("You have %d generation(s) left.", acct.CreditsLeft)
	if acct.CreditsExpireDate != nil {
		text += fmt.Sprintf("\nCredits expire on %s.", acct.CreditsExpireDate.Format("2 January 2006"))
	}
	b.send(chatID, text)
}

// Callback buttons

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	// Acknowledge so the button stops spinning.
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("[Bot] Failed to answer callback: %v", err)
	}

	userID := cb.From.ID
	chatID := cb.Message.Chat.ID
	sess := b.loadSession(userID, chatID)

	action, arg, _ := strings.Cut(cb.Data, ":")
	switch action {
	case "avatar":
		b.chooseAvatar(sess, arg)
	case "script":
		b.chooseScriptMethod(sess, arg)
	case "confirm":
		b.confirmScript(sess, arg)
	case "style":
		b.chooseStyle(sess, arg)
	case "buy":
		b.startPayment(sess, arg)
	}
}

func (b *Bot) chooseAvatar(sess *session.Session, arg string) {
	if sess.Stage != session.StageChoosingAvatar {
		return
	}
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 0 || idx >= len(avatars) {
		return
	}
	sess.Avatar = avatars[idx].Avatar
	sess.Stage = session.StageChoosingScriptMethod
	b.saveSession(sess)

	b.sendKeyboard(sess.ChatID, "How do you want to get the script?",
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Write it for me", "script:ai"),
			tgbotapi.NewInlineKeyboardButtonData("I have my own", "script:own"),
		))
}

func (b *Bot) chooseScriptMethod(sess *session.Session, arg string) {
	if sess.Stage != session.StageChoosingScriptMethod {
		return
	}
	switch arg {
	case "ai":
		sess.Stage = session.StageAIScriptInput
		b.saveSession(sess)
		b.send(sess.ChatID, "Describe what the video should be about, in one or two sentences.")
	case "own":
		sess.Stage = session.StageUserScriptInput
		b.saveSession(sess)
		b.send(sess.ChatID, "Send me the script. It should read aloud in about 30 seconds.")
	}
}

func (b *Bot) confirmScript(sess *session.Session, arg string) {
	if sess.Stage != session.StageScriptConfirm {
		return
	}
	if arg != "yes" {
		sess.Stage = session.StageChoosingScriptMethod
		sess.Script = ""
		b.saveSession(sess)
		b.sendKeyboard(sess.ChatID, "How do you want to get the script?",
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Write it for me", "script:ai"),
				tgbotapi.NewInlineKeyboardButtonData("I have my own", "script:own"),
			))
		return
	}

	sess.Stage = session.StageChoosingSubtitles
	b.saveSession(sess)

	row := make([]tgbotapi.InlineKeyboardButton, 0, len(subtitleStyles))
	for i, s := range subtitleStyles {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(s.Name, "style:"+strconv.Itoa(i)))
	}
	b.sendKeyboard(sess.ChatID, "Pick a subtitle style:", row)
}

func (b *Bot) chooseStyle(sess *session.Session, arg string) {
	if sess.Stage != session.StageChoosingSubtitles {
		return
	}
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 0 || idx >= len(subtitleStyles) {
		return
	}
	sess.SubtitleTemplate = subtitleStyles[idx].TemplateID
	b.saveSession(sess)

	go func() {
		if err := b.runner.Run(context.Background(), sess); err != nil {
			log.Printf("[Bot] Generation failed for user %d: %v", sess.UserID, err)
		}
	}()
}

// Script text input

func (b *Bot) handleText(msg *tgbotapi.Message) {
	sess := b.loadSession(msg.From.ID, msg.Chat.ID)

	switch sess.Stage {
	case session.StageAIScriptInput:
		b.generateScript(sess, msg.Text)
	case session.StageUserScriptInput:
		sess.Script = msg.Text
		b.askConfirmation(sess)
	default:
		b.send(sess.ChatID, "Use /generate to create a video or /buy to top up.")
	}
}

func (b *Bot) generateScript(sess *session.Session, concept string) {
	b.send(sess.ChatID, "Writing your script...")
	ctx := context.Background()

	taskID := fmt.Sprintf("script:%d:%d", sess.UserID, time.Now().UnixNano())
	h, err := b.queue.Enqueue(ctx, queue.TaskChatCompletion, taskID, queue.ChatCompletionPayload{
		Messages: []services.ChatMessage{
			{Role: "system", Content: scriptPrompt},
			{Role: "user", Content: concept},
		},
	})
	if err != nil {
		log.Printf("[Bot] Failed to enqueue script job for user %d: %v", sess.UserID, err)
		b.send(sess.ChatID, "Could not generate a script right now. Please try again.")
		return
	}

	raw, err := b.queue.AwaitResult(ctx, h, 2*time.Minute)
	if err != nil {
		log.Printf("[Bot] Script generation failed for user %d: %v", sess.UserID, err)
		b.send(sess.ChatID, "Could not generate a script right now. Please try again.")
		return
	}

	var res queue.ChatCompletionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Printf("[Bot] Failed to parse script result for user %d: %v", sess.UserID, err)
		b.send(sess.ChatID, "Could not generate a script right now. Please try again.")
		return
	}

	if err := b.ledger.AddUsage(ctx, sess.UserID, models.UsageDelta{
		PromptTokens:   int64(res.PromptTokens),
		ResponseTokens: int64(res.CompletionTokens),
	}); err != nil {
		log.Printf("[Bot] Failed to record usage for user %d: %v", sess.UserID, err)
	}

	sess.Script = res.Content
	b.askConfirmation(sess)
}

func (b *Bot) askConfirmation(sess *session.Session) {
	sess.Stage = session.StageScriptConfirm
	b.saveSession(sess)

	b.send(sess.ChatID, "Here is the script:\n\n"+sess.Script)
	b.sendKeyboard(sess.ChatID, "Use this script?",
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes", "confirm:yes"),
			tgbotapi.NewInlineKeyboardButtonData("Change it", "confirm:no"),
		))
}

// Payments

func (b *Bot) startPayment(sess *session.Session, pkgCode string) {
	pkg := models.PackageType(pkgCode)
	if !pkg.Valid() {
		return
	}

	resp, err := b.ledger.CreatePayment(context.Background(), models.CreatePaymentRequest{
		UserID:      sess.UserID,
		PackageType: pkg,
	})
	if err != nil {
		log.Printf("[Bot] Failed to create payment for user %d: %v", sess.UserID, err)
		b.send(sess.ChatID, "Could not create the payment. Please try again.")
		return
	}

	b.send(sess.ChatID, fmt.Sprintf("Pay for %s here:\n%s\n\nI will confirm as soon as the payment goes through.",
		models.PackageNames[pkg], resp.PaymentURL))

	go b.watchPayment(sess.UserID, sess.ChatID, resp.OrderID, pkg.Credits())
}

// watchPayment polls the payment through the queue until it completes or the
// window runs out. The worker sends the success message; expiry is reported
// here. An expired watch leaves the transaction open, so a late settlement
// through the result callback still counts.
func (b *Bot) watchPayment(userID, chatID int64, orderID string, credits int) {
	ctx := context.Background()
	deadline := time.Now().Add(paymentPollWindow)

	for attempt := 1; time.Now().Before(deadline); attempt++ {
		taskID := fmt.Sprintf("payment:check:%s:%d", orderID, attempt)
		h, err := b.queue.Enqueue(ctx, queue.TaskPaymentCheck, taskID, queue.PaymentCheckPayload{
			UserID:  userID,
			ChatID:  chatID,
			OrderID: orderID,
			Credits: credits,
		})
		if err != nil {
			log.Printf("[Bot] Failed to enqueue payment check for %s: %v", orderID, err)
			time.Sleep(paymentPollInterval)
			continue
		}

		raw, err := b.queue.AwaitResult(ctx, h, paymentCheckTimeout)
		if err == nil {
			var res queue.PaymentCheckResult
			if json.Unmarshal(raw, &res) == nil && res.Completed {
				return
			}
		} else {
			log.Printf("[Bot] Payment check failed for %s: %v", orderID, err)
		}

		time.Sleep(paymentPollInterval)
	}

	log.Printf("[Bot] Payment window expired for order %s (user=%d)", orderID, userID)
	b.send(chatID, "The payment was not completed in time. If you already paid, the credits will "+
		"still arrive once the payment settles. Otherwise use /buy to try again.")
}
