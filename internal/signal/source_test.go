package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"bot-engine/internal/events"
)

func TestScriptedSourceDrains(t *testing.T) {
	src := NewScriptedSource([]TradeIntent{
		{ID: "i-1", BotID: "bot-a", Symbol: "BTCUSDT", Side: "BUY", Qty: 1},
		{ID: "i-2", BotID: "bot-a", Symbol: "BTCUSDT", Side: "SELL", Qty: 1},
	})
	ctx := context.Background()

	for _, want := range []string{"i-1", "i-2"} {
		got, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got.ID != want {
			t.Fatalf("intent = %s, want %s", got.ID, want)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrSourceDrained) {
		t.Fatalf("err = %v, want ErrSourceDrained", err)
	}
}

func TestTickSourceFiltersAndFires(t *testing.T) {
	bus := events.NewBus()
	fire := func(tick Tick) (string, float64, bool) {
		if tick.Price >= 100 {
			return "BUY", 2, true
		}
		return "", 0, false
	}
	src := NewTickSource(bus, "bot-a", "paper", "BTCUSDT", fire)
	defer src.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Publish(events.EventPriceTick, Tick{Symbol: "ETHUSDT", Price: 500}) // wrong symbol
		bus.Publish(events.EventPriceTick, Tick{Symbol: "BTCUSDT", Price: 90})  // below threshold
		bus.Publish(events.EventPriceTick, Tick{Symbol: "BTCUSDT", Price: 120}) // fires
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	intent, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if intent.BotID != "bot-a" || intent.Symbol != "BTCUSDT" || intent.Side != "BUY" || intent.Qty != 2 {
		t.Fatalf("intent = %+v", intent)
	}
	if intent.IdempotencyKey == "" || intent.ID == "" {
		t.Fatal("intent must carry generated ids")
	}
}

func TestTickSourceHonorsCancel(t *testing.T) {
	bus := events.NewBus()
	src := NewTickSource(bus, "bot-a", "paper", "BTCUSDT", func(Tick) (string, float64, bool) {
		return "", 0, false
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMACrossDecider(t *testing.T) {
	decide := MACrossDecider(2, 4, 1)

	prices := []float64{100, 100, 100, 100} // warmup: fast == slow, SELL recorded first
	var fired []string
	for _, p := range append(prices, 110, 120, 130, 90, 80, 70) {
		if side, _, ok := decide(Tick{Symbol: "BTCUSDT", Price: p}); ok {
			fired = append(fired, side)
		}
	}

	// Rising prices push the fast MA over the slow one (BUY), the later slide
	// crosses it back under (SELL).
	var buys, sells int
	for _, s := range fired {
		switch s {
		case "BUY":
			buys++
		case "SELL":
			sells++
		}
	}
	if buys == 0 || sells == 0 {
		t.Fatalf("fired = %v, want at least one BUY and one SELL", fired)
	}
}
