package md

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
)

type QuoteHandler func(Quote)

// StreamQuotes subscribes to top-of-book quotes for symbols and blocks until
// ctx is done or the stream terminates.
func StreamQuotes(ctx context.Context, apiKey, apiSecret, feed string, symbols []string, handler QuoteHandler) error {
	if len(symbols) == 0 {
		return fmt.Errorf("stream quotes: no symbols")
	}
	client := stream.NewStocksClient(
		ParseFeed(feed),
		stream.WithCredentials(apiKey, apiSecret),
	)

	// Connect must be called before subscribing in this SDK version.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect market data stream: %w", err)
	}
	slog.Info("quote stream connected", "symbols", len(symbols), "feed", feed)

	if err := client.SubscribeToQuotes(func(q stream.Quote) {
		handler(Quote{
			Symbol:    q.Symbol,
			Bid:       q.BidPrice,
			Ask:       q.AskPrice,
			Timestamp: q.Timestamp,
		})
	}, symbols...); err != nil {
		return fmt.Errorf("subscribe to quotes: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Terminated():
		if err != nil {
			return fmt.Errorf("quote stream terminated: %w", err)
		}
		return nil
	}
}

func ParseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
