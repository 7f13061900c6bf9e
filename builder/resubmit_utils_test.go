package builder

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type forwarded struct {
	t      time.Time
	number uint64
}

func TestResubmitUtils(t *testing.T) {
	const (
		totalTime     = time.Second
		rateLimitTime = 100 * time.Millisecond
		cycleInterval = 10 * time.Millisecond
	)

	ctx, cancel := context.WithTimeout(context.Background(), totalTime)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(rateLimitTime), 1)

	var (
		signal  = make(chan struct{}, 1)
		mu      sync.Mutex
		latest  uint64
		sent    uint64
		allSent []forwarded
	)

	go runResubmitLoop(ctx, limiter, signal, func() {
		mu.Lock()
		defer mu.Unlock()

		if latest > sent {
			allSent = append(allSent, forwarded{time.Now(), latest})
			sent = latest
		}
	})

	// one cycle every interval, faster than the limit
	runRetryLoop(ctx, cycleInterval, func() {
		mu.Lock()
		defer mu.Unlock()

		latest++
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if len(allSent) == 0 {
		t.Fatal("nothing forwarded")
	}
	for i := 0; i < len(allSent)-1; i++ {
		if allSent[i+1].number <= allSent[i].number {
			t.Errorf("forwarded out of order: %d after %d", allSent[i+1].number, allSent[i].number)
		}
		interval := allSent[i+1].t.Sub(allSent[i].t)
		if interval+10*time.Millisecond < rateLimitTime {
			t.Errorf("forwarding is not rate limited: interval %s, limit %s", interval, rateLimitTime)
		}
	}
	if len(allSent) >= int(latest) {
		t.Errorf("every cycle forwarded: %d of %d", len(allSent), latest)
	}
}
