// internal/notify/signal.go
package notify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/deyno-dev/autobuysell/internal/bot"
)

var buySignal = regexp.MustCompile(`^(\w+) Buy!`)

// ParseBuySignal extracts the ticker from a channel post such as
// "PEPE Buy! ... Got 1.2M PEPE". Posts without both "Buy!" and "Got" are not
// signals.
func ParseBuySignal(text string) (symbol string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "Buy!") || !strings.Contains(text, "Got") {
		return "", false
	}
	m := buySignal.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseSellCommand parses the arguments of "/sell <account> <asset> <percent>".
// The percent sign is optional.
func ParseSellCommand(args string) (bot.SellPositionCommand, error) {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return bot.SellPositionCommand{}, fmt.Errorf("usage: /sell <account> <asset> <percent>")
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "%"), 64)
	if err != nil {
		return bot.SellPositionCommand{}, fmt.Errorf("invalid percent %q", fields[2])
	}
	return bot.SellPositionCommand{
		Account:    fields[0],
		Asset:      fields[1],
		Percentage: pct,
	}, nil
}

// ParseForgetCommand parses the arguments of "/forget <account> <asset>".
func ParseForgetCommand(args string) (bot.ForgetPositionCommand, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return bot.ForgetPositionCommand{}, fmt.Errorf("usage: /forget <account> <asset>")
	}
	return bot.ForgetPositionCommand{Account: fields[0], Asset: fields[1]}, nil
}
