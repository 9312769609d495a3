// Package alert sends Telegram notifications when a watched item's cached
// minimum listing drops to or below its configured ceiling. Delivery uses
// MarkdownV2 formatting and retries with linear backoff; each item is rate
// limited by a per-item cooldown so a churning market cannot flood the chat.
package alert

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/marketledger/internal/config"
	"github.com/rewired-gh/marketledger/internal/logger"
	"github.com/rewired-gh/marketledger/internal/pricecache"
)

// sender is the slice of the bot API used for delivery.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// WorldNamer resolves world display names for messages.
type WorldNamer interface {
	WorldName(worldID uint32) (string, bool)
}

type watch struct {
	itemID   uint32
	worldID  uint32
	maxPrice int64
}

// watchKey scopes the cooldown to one watch: the same item on two worlds
// alerts independently.
type watchKey struct {
	itemID  uint32
	worldID uint32
}

// Watcher evaluates price watches against the cache and notifies via
// Telegram.
type Watcher struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	cooldown       time.Duration

	cache  *pricecache.Cache
	worlds WorldNamer

	mu       sync.Mutex
	watches  []watch
	lastSent map[watchKey]time.Time

	now func() time.Time
}

// New creates a watcher from the alerts config section.
func New(cfg config.AlertConfig, cache *pricecache.Cache, worlds WorldNamer) (*Watcher, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	return newWatcher(bot, chatID, cfg, cache, worlds), nil
}

func newWatcher(bot sender, chatID int64, cfg config.AlertConfig, cache *pricecache.Cache, worlds WorldNamer) *Watcher {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelayBase := cfg.RetryDelayBase
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 6 * time.Hour
	}

	watches := make([]watch, 0, len(cfg.Watches))
	for _, w := range cfg.Watches {
		watches = append(watches, watch{itemID: w.ItemID, worldID: w.WorldID, maxPrice: w.MaxPrice})
	}

	return &Watcher{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		cooldown:       cooldown,
		cache:          cache,
		worlds:         worlds,
		watches:        watches,
		lastSent:       make(map[watchKey]time.Time),
		now:            time.Now,
	}
}

// Evaluate checks every watch against the cache. Called by the scheduler and
// after batch notifications for watched items.
func (w *Watcher) Evaluate() {
	for _, wt := range w.watches {
		w.evaluateOne(wt)
	}
}

// HandleKey evaluates only the watches matching a batch notification key of
// the form "item:<id>".
func (w *Watcher) HandleKey(key string) {
	id, ok := parseItemKey(key)
	if !ok {
		return
	}
	for _, wt := range w.watches {
		if wt.itemID == id {
			w.evaluateOne(wt)
		}
	}
}

func (w *Watcher) evaluateOne(wt watch) {
	entry, ok := w.cache.Get(wt.itemID, wt.worldID)
	if !ok {
		return
	}

	// The watch fires on the cheaper of the two quality floors.
	price, ok := entry.MinListingNQ.MergeMin(entry.MinListingHQ).Get()
	if !ok || price > wt.maxPrice {
		return
	}

	key := watchKey{itemID: wt.itemID, worldID: wt.worldID}
	w.mu.Lock()
	if last, ok := w.lastSent[key]; ok && w.now().Sub(last) < w.cooldown {
		w.mu.Unlock()
		return
	}
	w.lastSent[key] = w.now()
	w.mu.Unlock()

	if err := w.send(w.formatMessage(wt, price)); err != nil {
		logger.Error("price watch notification for item %d failed: %v", wt.itemID, err)
		// Allow a retry on the next evaluation.
		w.mu.Lock()
		delete(w.lastSent, key)
		w.mu.Unlock()
	}
}

func (w *Watcher) send(text string) error {
	msg := tgbotapi.NewMessage(w.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < w.maxRetries; i++ {
		if _, err := w.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(w.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("send after %d retries: %w", w.maxRetries, lastErr)
}

func (w *Watcher) formatMessage(wt watch, price int64) string {
	world := "world " + strconv.FormatUint(uint64(wt.worldID), 10)
	if name, ok := w.worlds.WorldName(wt.worldID); ok {
		world = name
	}
	return fmt.Sprintf("*Price watch*\nItem %d on %s listed at *%s* \\(ceiling %s\\)",
		wt.itemID,
		escapeMarkdownV2(world),
		escapeMarkdownV2(formatGil(price)),
		escapeMarkdownV2(formatGil(wt.maxPrice)))
}

func parseItemKey(key string) (uint32, bool) {
	rest, ok := strings.CutPrefix(key, "item:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// escapeMarkdownV2 escapes the MarkdownV2 special characters:
// _ * [ ] ( ) ~ ` > # + - = | { } . !
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatGil renders a price with thousand separators.
func formatGil(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
