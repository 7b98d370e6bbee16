package market

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"bot-engine/internal/events"
	"bot-engine/internal/signal"
)

// Feed streams ticker frames from a websocket endpoint and publishes them to
// the event bus. Frames are endpoint-agnostic JSON: {"symbol": ..., "price": ...}.
type Feed struct {
	Bus     *events.Bus
	URL     string
	Symbols []string
}

type tickerFrame struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Start runs the read loop with reconnect until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	if f.Bus == nil || f.URL == "" {
		log.Println("market feed not fully configured; skipping start")
		return
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := f.run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("market feed: stream error: %v (reconnecting)", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()
}

func (f *Feed) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	wanted := make(map[string]bool, len(f.Symbols))
	for _, s := range f.Symbols {
		wanted[s] = true
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame tickerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("market feed: bad frame (skipping): %v", err)
			continue
		}
		if len(wanted) > 0 && !wanted[frame.Symbol] {
			continue
		}
		f.Bus.Publish(events.EventPriceTick, signal.Tick{
			Symbol: frame.Symbol,
			Price:  frame.Price,
			At:     time.Now(),
		})
	}
}
