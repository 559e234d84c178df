// Package approval - commands.go dispatches the operator command surface.
package approval

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	reply := func(text string) {
		out := tgbotapi.NewMessage(msg.Chat.ID, text)
		out.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(out); err != nil {
			out.ParseMode = ""
			_, _ = t.bot.Send(out)
		}
	}

	switch msg.Command() {
	case "start", "help":
		reply("*Trading Bot Commands*\n\n" +
			"/pause — suspend all scheduled jobs\n" +
			"/resume — resume scheduled jobs\n" +
			"/mode live|paper — switch trading mode (persists)\n" +
			"/balance — portfolio value and cash\n" +
			"/positions — open positions with P&L\n" +
			"/signal — today's signal and hedge status\n" +
			"/jobs — scheduler job status\n" +
			"/logs [n] — recent event log")

	case "pause":
		if t.cmds.Pause == nil {
			reply("Pause is not available.")
			return
		}
		reply(t.cmds.Pause())

	case "resume":
		if t.cmds.Resume == nil {
			reply("Resume is not available.")
			return
		}
		reply(t.cmds.Resume())

	case "mode":
		if t.cmds.SetMode == nil {
			reply("Mode switching is not available.")
			return
		}
		arg := strings.TrimSpace(msg.CommandArguments())
		if arg != "live" && arg != "paper" {
			reply("Usage: /mode live|paper")
			return
		}
		reply(t.cmds.SetMode(arg))

	case "balance":
		if t.cmds.Balance == nil {
			reply("Balance is not available.")
			return
		}
		reply(t.cmds.Balance())

	case "positions":
		if t.cmds.Positions == nil {
			reply("Positions are not available.")
			return
		}
		reply(t.cmds.Positions())

	case "signal":
		if t.cmds.Signal == nil {
			reply("Signal is not available.")
			return
		}
		reply(t.cmds.Signal())

	case "jobs":
		if t.cmds.Jobs == nil {
			reply("Jobs are not available.")
			return
		}
		reply(t.cmds.Jobs())

	case "logs":
		if t.cmds.Logs == nil {
			reply("Logs are not available.")
			return
		}
		limit := 10
		if arg := strings.TrimSpace(msg.CommandArguments()); arg != "" {
			if n, err := strconv.Atoi(arg); err == nil && n > 0 && n <= 50 {
				limit = n
			}
		}
		reply(t.cmds.Logs(limit))

	default:
		reply(fmt.Sprintf("Unknown command /%s — try /help", msg.Command()))
	}
}
