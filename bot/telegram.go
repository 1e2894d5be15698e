package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Snipe notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🎯 Snipe lifecycle alerts (success / failed)
//   🍯 Risk alerts (honeypots, blocked tokens, circuit breaker)
//   💰 Position updates (take profit / stop loss / close)
//   🎛️ Control commands (/status, /stats, /positions, /pause, /resume)
//
// ═══════════════════════════════════════════════════════════════════════════════

const divider = "━━━━━━━━━━━━━━━━━━━━"

// Controller is the engine surface the bot reads and drives
type Controller interface {
	Stats() types.Stats
	Positions() []*types.Position
	Pause()
	Resume()
	IsPaused() bool
	Breaker() (tripped bool, reason string)
}

// messenger is the subset of the Bot API we use
type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     messenger
	chatID  int64
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	ctl    Controller
	dryRun bool

	// Verbose also reports detections and executions
	Verbose bool
}

// NewTelegramBot creates a new Telegram bot
func NewTelegramBot(token string, chatID int64, ctl Controller, dryRun bool) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return newBot(api, chatID, ctl, dryRun), nil
}

func newBot(api messenger, chatID int64, ctl Controller, dryRun bool) *TelegramBot {
	return &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		ctl:    ctl,
		dryRun: dryRun,
	}
}

// Start begins listening for commands and relaying notices
func (b *TelegramBot) Start(notices <-chan types.Notice) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(2)
	go b.commandLoop()
	go b.noticeLoop(notices)
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.api.StopReceivingUpdates()
	b.wg.Wait()
	log.Info().Msg("Telegram bot stopped")
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(strategies, wallets int) {
	msg := fmt.Sprintf(`🚀 *SNIPER STARTED*
%s

📊 Mode: *%s*
🎯 Strategies: *%d*
👛 Wallets: *%d*

%s
Use /help for commands`, divider, b.mode(), strategies, wallets, divider)

	b.sendMarkdown(msg)
}

// NotifyError sends an error alert
func (b *TelegramBot) NotifyError(err error) {
	b.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) noticeLoop(notices <-chan types.Notice) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			if text, ok := b.format(n); ok {
				b.sendMarkdown(text)
			}
		}
	}
}

// format renders a notice; false means it is not worth a message
func (b *TelegramBot) format(n types.Notice) (string, bool) {
	switch v := n.(type) {
	case types.SnipeDetected:
		if !b.Verbose {
			return "", false
		}
		return fmt.Sprintf("👀 *SNIPE DETECTED*\n\n🪙 `%s`\n🎯 Strategy: `%s`", short(v.Token), v.StrategyID), true

	case types.SnipeExecuting:
		if !b.Verbose {
			return "", false
		}
		msg := fmt.Sprintf("⚡ *EXECUTING*\n\n🪙 `%s`\n💵 Amount: *%s ETH*", short(v.Token), types.ToEther(v.AmountIn).StringFixed(4))
		if v.Risk != nil {
			msg += fmt.Sprintf("\n🛡️ Risk: *%s* (%d)", v.Risk.Level, v.Risk.Score)
		}
		return msg, true

	case types.SnipeSuccess:
		return fmt.Sprintf(`✅ *SNIPE SUCCESS*

🪙 `+"`%s`"+`
🎯 Strategy: `+"`%s`"+`
⏱️ Latency: *%v*
🔗 `+"`%s`",
			short(v.Token), v.StrategyID, v.Latency.Round(time.Millisecond), v.TxHash.Hex()), true

	case types.SnipeFailed:
		return fmt.Sprintf("❌ *SNIPE FAILED*\n\n🪙 `%s`\n🎯 Strategy: `%s`\n📝 `%s`", short(v.Token), v.StrategyID, v.Reason), true

	case types.Alert:
		switch v.Kind {
		case types.AlertSnipeSuccess, types.AlertSnipeFailed:
			// already covered by the snipe notices
			return "", false
		}
		return fmt.Sprintf("%s *%s*\n\n%s", alertEmoji(v), strings.ToUpper(strings.ReplaceAll(string(v.Kind), "_", " ")), alertBody(v)), true

	case types.OrderFinalized:
		return "", false

	case types.PositionChanged:
		if !v.Realized || v.Position == nil {
			return "", false
		}
		return formatPosition(v.Position), true
	}
	return "", false
}

func formatPosition(p *types.Position) string {
	emoji := "📈"
	if p.RealizedPnL.IsNegative() {
		emoji = "📉"
	}
	title := "PARTIAL EXIT"
	if p.Status == types.PositionClosed {
		title = "POSITION CLOSED"
	}

	return fmt.Sprintf(`%s *%s*

🪙 `+"`%s`"+`
💵 Realized: *%s ETH*
📊 Return: *%s%%*`,
		emoji, title, short(p.Token),
		signedEther(p.RealizedPnL),
		returnPct(p).StringFixed(1),
	)
}

func alertEmoji(a types.Alert) string {
	switch a.Kind {
	case types.AlertHoneypotDetected:
		return "🍯"
	case types.AlertRiskBlocked:
		return "🛡️"
	case types.AlertCircuitTripped:
		return "🚨"
	case types.AlertLateConfirmation:
		return "⏰"
	case types.AlertRelayRejected:
		return "📡"
	}
	if a.Severity == types.SeverityCritical {
		return "🚨"
	}
	return "⚠️"
}

func alertBody(a types.Alert) string {
	if a.Token == (common.Address{}) {
		return fmt.Sprintf("`%s`", a.Message)
	}
	return fmt.Sprintf("🪙 `%s`\n📝 `%s`", short(a.Token), a.Message)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	defer b.wg.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat == nil || update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd string) {
	switch strings.ToLower(cmd) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "stats":
		b.cmdStats()
	case "positions":
		b.cmdPositions()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *SNIPER COMMANDS*
` + divider + `

📊 /status — Engine status
📈 /stats — Snipe statistics
💼 /positions — Open positions
⏸️ /pause — Stop new snipes
▶️ /resume — Resume sniping
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	status := "🟢 RUNNING"
	if b.ctl.IsPaused() {
		status = "⏸️ PAUSED"
	}
	breaker := "🟢 OK"
	if tripped, reason := b.ctl.Breaker(); tripped {
		breaker = fmt.Sprintf("🔴 TRIPPED `%s`", reason)
	}

	msg := fmt.Sprintf(`📊 *ENGINE STATUS*
%s

%s
📊 Mode: *%s*
🔌 Breaker: %s
💼 Open positions: *%d*`, divider, status, b.mode(), breaker, len(b.openPositions()))

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStats() {
	s := b.ctl.Stats()

	gas := decimal.Zero
	if s.GasSpent != nil {
		gas = types.ToEther(s.GasSpent)
	}

	msg := fmt.Sprintf(`📈 *SNIPE STATS*
%s

👀 Detected: *%d*
🛡️ Blocked: *%d*
✅ Succeeded: *%d*
❌ Failed: *%d*
🔁 Duplicates: *%d*

%s
📊 Trades: *%d*
🏆 Wins: *%d* | Losses: *%d*
📈 Win Rate: *%s%%*
💵 Realized: *%s ETH*
⛽ Gas: *%s ETH*
⏱️ Latency p50/p90/p99: *%v / %v / %v*`,
		divider,
		s.SnipesDetected, s.SnipesBlocked, s.SnipesSucceeded, s.SnipesFailed, s.Duplicates,
		divider,
		s.Trades, s.Wins, s.Losses,
		s.WinRate.Mul(decimal.NewFromInt(100)).StringFixed(1),
		signedEther(s.RealizedPnL),
		gas.StringFixed(5),
		s.LatencyP50.Round(time.Millisecond), s.LatencyP90.Round(time.Millisecond), s.LatencyP99.Round(time.Millisecond),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	positions := b.openPositions()
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n" + divider + "\n\n"

	for i, pos := range positions {
		duration := time.Since(pos.OpenedAt).Round(time.Second)
		msg += fmt.Sprintf("🪙 `%s` — %s\n💵 Cost: %s ETH | Unrealized: %s ETH\n⏱️ Duration: %v\n\n",
			short(pos.Token), pos.DEX,
			types.ToEther(pos.CostBasis).StringFixed(4),
			signedEther(pos.UnrealizedPnL),
			duration,
		)

		if i >= 4 && len(positions) > 5 {
			msg += fmt.Sprintf("_... and %d more_", len(positions)-5)
			break
		}
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPause() {
	b.ctl.Pause()
	b.send("⏸️ Sniping paused")
	log.Info().Msg("Sniping paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.ctl.Resume()
	b.send("▶️ Sniping resumed")
	log.Info().Msg("Sniping resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) openPositions() []*types.Position {
	var open []*types.Position
	for _, p := range b.ctl.Positions() {
		if p.Status != types.PositionClosed {
			open = append(open, p)
		}
	}
	return open
}

func (b *TelegramBot) mode() string {
	if b.dryRun {
		return "DRY RUN"
	}
	return "LIVE"
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func short(a common.Address) string {
	h := a.Hex()
	return h[:8] + "…" + h[len(h)-6:]
}

// signedEther renders a signed wei amount in ether
func signedEther(wei decimal.Decimal) string {
	sign := "+"
	if wei.IsNegative() {
		sign = ""
	}
	return sign + wei.Shift(-18).StringFixed(4)
}

// returnPct is realized PnL over total cost, in percent
func returnPct(p *types.Position) decimal.Decimal {
	if p.TotalCost == nil || p.TotalCost.IsZero() {
		return decimal.Zero
	}
	return p.RealizedPnL.Div(types.ToDecimal(p.TotalCost)).Mul(decimal.NewFromInt(100))
}
