package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rahul/stepforge/internal/agent"
	"github.com/rahul/stepforge/pkg/config"
)

// Notifier delivers a short text to an external chat (Telegram, Discord, etc.)
type Notifier interface {
	Name() string
	Notify(ctx context.Context, text string) error
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds a notifier for every enabled gateway, in name order.
func FromConfig(gateways map[string]config.GatewayConfig) (Multi, error) {
	names := make([]string, 0, len(gateways))
	for name := range gateways {
		names = append(names, name)
	}
	sort.Strings(names)

	var out Multi
	for _, name := range names {
		g := gateways[name]
		if !g.Enabled {
			continue
		}
		if g.Token == "" || g.ChatID == "" {
			return nil, fmt.Errorf("gateway %s needs both a token and a chat id", name)
		}
		var (
			n   Notifier
			err error
		)
		switch name {
		case "telegram":
			n, err = NewTelegramNotifier(g.Token, g.ChatID)
		case "discord":
			n, err = NewDiscordNotifier(g.Token, g.ChatID)
		default:
			return nil, fmt.Errorf("unknown gateway %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", name, err)
		}
		out = append(out, n)
	}
	return out, nil
}

var statusMarks = map[agent.PlanStatus]string{
	agent.PlanCompleted:  "✅",
	agent.PlanFailed:     "❌",
	agent.PlanImpossible: "⛔",
}

// FormatRunSummary renders a finished session as a chat message.
func FormatRunSummary(s *agent.Session) string {
	if s == nil || s.Plan == nil {
		return "stepforge: no run"
	}
	mark := statusMarks[s.Plan.Status]
	if mark == "" {
		mark = "•"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s stepforge run %s in %s\n\n", mark, strings.ToUpper(string(s.Plan.Status)), s.Elapsed().Round(time.Second))
	b.WriteString(s.Plan.Summary())
	return b.String()
}

// truncateMessage keeps text within max runes, marking the cut.
func truncateMessage(text string, max int) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	const marker = "\n…(truncated)"
	keep := max - len([]rune(marker))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + marker
}
