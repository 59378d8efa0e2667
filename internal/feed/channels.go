package feed

import (
	"errors"
	"fmt"
	"strings"
)

// Channel types understood by the feed.
const (
	ChannelPositions     = "wallet_positions"
	ChannelBalances      = "wallet_balances"
	ChannelPrices        = "prices"
	ChannelMarketSummary = "market_summary"
)

// ErrUnknownChannel is returned for channel types without a path mapping.
var ErrUnknownChannel = errors.New("feed: unknown channel type")

// Path maps a channel type and identifier to the routing key used on the wire.
func Path(channelType, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("feed: empty identifier for %s", channelType)
	}
	switch channelType {
	case ChannelPositions:
		return "/v2/wallet/" + id + "/positions", nil
	case ChannelBalances:
		return "/v2/wallet/" + id + "/accounts/balances", nil
	case ChannelPrices:
		return "/v2/prices/" + id, nil
	case ChannelMarketSummary:
		return "/v2/market/" + id + "/summary", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, channelType)
	}
}

type controlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

func subscribeFrame(path string) controlFrame {
	return controlFrame{Type: "subscribe", Channel: path}
}

func unsubscribeFrame(path string) controlFrame {
	return controlFrame{Type: "unsubscribe", Channel: path}
}
