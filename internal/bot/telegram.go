// Package bot exposes the trading daemon over Telegram. A small whitelist
// of operator chat IDs can query scheduler and position state, trigger the
// emergency-stop flow behind an inline-keyboard confirmation, and receive
// the notifications the engine emits during trading cycles.
package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/engine"
	"github.com/web3guy0/pairtrader/internal/scheduler"
)

// notifyBuffer bounds the queue between trading cycles and Telegram I/O.
// Notify never blocks a cycle; overflow is dropped with a warning.
const notifyBuffer = 64

// telegramAPI is the slice of *tgbotapi.BotAPI the bot uses. Tests install
// an in-memory fake here.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
}

// Stopper runs the emergency-stop flow on confirmed operator request.
type Stopper interface {
	EmergencyStop(ctx context.Context, closePositions, disablePairs bool) engine.StopResult
}

// Jobs is the scheduler surface the bot drives.
type Jobs interface {
	AddPairJob(pairID int64, scheduleInterval string)
	Status() scheduler.Status
}

// Bot is the Telegram control surface.
type Bot struct {
	api      telegramAPI
	db       *database.Database
	stopper  Stopper
	jobs     Jobs
	chatIDs  map[int64]bool
	notifyCh chan string
	stopCh   chan struct{}
}

// New connects to the Telegram API and returns a bot restricted to the
// given chat IDs.
func New(token string, chatIDs []int64, db *database.Database, stopper Stopper, jobs Jobs) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return newBot(api, chatIDs, db, stopper, jobs), nil
}

func newBot(api telegramAPI, chatIDs []int64, db *database.Database, stopper Stopper, jobs Jobs) *Bot {
	allowed := make(map[int64]bool, len(chatIDs))
	for _, id := range chatIDs {
		allowed[id] = true
	}

	return &Bot{
		api:      api,
		db:       db,
		stopper:  stopper,
		jobs:     jobs,
		chatIDs:  allowed,
		notifyCh: make(chan string, notifyBuffer),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the command listener and the notification dispatcher.
func (b *Bot) Start() {
	go b.listenForCommands()
	go b.dispatchNotifications()
}

// Stop stops the bot.
func (b *Bot) Stop() {
	close(b.stopCh)
}

// Notify queues a message for delivery to every whitelisted chat. It never
// blocks: when the queue is full the message is dropped and logged.
func (b *Bot) Notify(message string) {
	select {
	case b.notifyCh <- message:
	default:
		log.Warn().Str("message", message).Msg("Notification queue full, dropping message")
	}
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			} else if update.CallbackQuery != nil {
				go b.handleCallback(update.CallbackQuery)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) dispatchNotifications() {
	for {
		select {
		case message := <-b.notifyCh:
			b.broadcast(message)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) broadcast(message string) {
	for chatID := range b.chatIDs {
		if err := b.sendText(chatID, message); err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send Telegram notification")
		}
	}
}

func (b *Bot) authorized(user *tgbotapi.User) bool {
	return user != nil && b.chatIDs[user.ID]
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	log.Debug().
		Int64("chat_id", chatID).
		Str("text", msg.Text).
		Msg("Received message")

	if !b.authorized(msg.From) {
		b.sendText(chatID, "Unauthorized.")
		return
	}

	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "status":
		b.cmdStatus(chatID)
	case "positions":
		b.cmdPositions(chatID)
	case "close_all":
		b.cmdCloseAll(chatID)
	case "stop_all":
		b.cmdStopAll(chatID)
	case "start_all":
		b.cmdStartAll(chatID)
	case "help", "start":
		b.cmdHelp(chatID)
	}
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	if !b.authorized(cb.From) || cb.Message == nil {
		return
	}

	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID

	log.Debug().
		Int64("chat_id", chatID).
		Str("data", cb.Data).
		Msg("Received callback")

	b.api.Request(tgbotapi.NewCallback(cb.ID, ""))

	switch cb.Data {
	case "cancel":
		b.editText(chatID, messageID, "Cancelled.")

	case "confirm_close_all":
		b.editText(chatID, messageID, "Closing all positions...")
		result := b.stopper.EmergencyStop(context.Background(), true, false)
		b.editText(chatID, messageID, fmt.Sprintf(
			"Closed %d positions.%s", result.PositionsClosed, errorSuffix(result)))

	case "confirm_stop_all":
		b.editText(chatID, messageID, "Emergency stop in progress...")
		result := b.stopper.EmergencyStop(context.Background(), true, true)
		b.editText(chatID, messageID, fmt.Sprintf(
			"Closed %d positions, disabled %d pairs.%s",
			result.PositionsClosed, result.PairsDisabled, errorSuffix(result)))
	}
}

// Commands

func (b *Bot) cmdStatus(chatID int64) {
	st := b.jobs.Status()

	positions, err := b.db.ListOpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list open positions")
		return
	}

	state := "stopped"
	if st.Running {
		state = "running"
	}

	b.sendText(chatID, fmt.Sprintf(
		"Scheduler: %s\nJobs: %d\nOpen positions: %d", state, st.JobCount, len(positions)))
}

func (b *Bot) cmdPositions(chatID int64) {
	positions, err := b.db.ListOpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list open positions")
		return
	}

	if len(positions) == 0 {
		b.sendText(chatID, "No open positions.")
		return
	}

	lines := make([]string, 0, len(positions))
	for _, pos := range positions {
		name := fmt.Sprintf("#%d", pos.PairID)
		if pair, err := b.db.GetPair(pos.PairID); err == nil && pair != nil {
			name = pair.Name
		}

		direction := "Short"
		if pos.Direction == 1 {
			direction = "Long"
		}

		notional, _ := pos.EntryNotional.Float64()
		lines = append(lines, fmt.Sprintf("%s: %s | z=%.3f | $%.0f", name, direction, pos.EntryZ, notional))
	}

	b.sendText(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdCloseAll(chatID int64) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, close all", "confirm_close_all"),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "cancel"),
		),
	)

	b.sendTextWithKeyboard(chatID, "Close all positions (keep pairs enabled)?", keyboard)
}

func (b *Bot) cmdStopAll(chatID int64) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, stop everything", "confirm_stop_all"),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "cancel"),
		),
	)

	b.sendTextWithKeyboard(chatID, "Close all positions AND disable all pairs?", keyboard)
}

func (b *Bot) cmdHelp(chatID int64) {
	b.sendText(chatID, strings.Join([]string{
		"Commands:",
		"/status - scheduler and position summary",
		"/positions - list open positions",
		"/close_all - close all positions (keep pairs enabled)",
		"/stop_all - close all positions AND disable all pairs",
		"/start_all - re-enable all pairs",
	}, "\n"))
}

func (b *Bot) cmdStartAll(chatID int64) {
	pairs, err := b.db.ListPairs()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pairs")
		return
	}

	count := 0
	for i := range pairs {
		pair := &pairs[i]
		if pair.IsEnabled {
			continue
		}

		pair.IsEnabled = true
		if err := b.db.SavePair(pair); err != nil {
			log.Error().Err(err).Int64("pair_id", pair.ID).Msg("Failed to re-enable pair")
			continue
		}

		b.jobs.AddPairJob(pair.ID, pair.ScheduleInterval)
		count++
	}

	b.sendText(chatID, fmt.Sprintf("Re-enabled %d pairs.", count))
}

// Helpers

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendTextWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) editText(chatID int64, messageID int, text string) error {
	msg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	_, err := b.api.Send(msg)
	return err
}

func errorSuffix(result engine.StopResult) string {
	if len(result.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("\nErrors: %d", len(result.Errors))
}
