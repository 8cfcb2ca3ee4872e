package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/pkg/types"
)

// tickMessage is the wire format for a trade tick on the feed.
type tickMessage struct {
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// FeedConfig configures the websocket tick feed.
type FeedConfig struct {
	URL              string
	Pair             string
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
}

// Feed streams trade ticks from a websocket endpoint and delivers them to a
// callback. It reconnects with exponential backoff when the connection drops.
type Feed struct {
	logger *zap.Logger
	config FeedConfig

	connMu sync.RWMutex
	conn   *websocket.Conn

	onTick func(types.Tick)

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewFeed creates a feed for a single pair.
func NewFeed(logger *zap.Logger, config FeedConfig) *Feed {
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	return &Feed{
		logger: logger.Named("feed"),
		config: config,
	}
}

// OnTick sets the tick callback. Must be called before Start.
func (f *Feed) OnTick(fn func(types.Tick)) {
	f.onTick = fn
}

// Start connects and begins the read loop.
func (f *Feed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.running = true

	if err := f.connect(); err != nil {
		return fmt.Errorf("failed to connect to feed: %w", err)
	}

	go f.readLoop()

	f.logger.Info("Feed started",
		zap.String("url", f.config.URL),
		zap.String("pair", f.config.Pair))
	return nil
}

// Stop closes the connection and halts the read loop.
func (f *Feed) Stop() error {
	f.running = false
	if f.cancel != nil {
		f.cancel()
	}

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.logger.Info("Feed stopped")
	return nil
}

func (f *Feed) connect() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(f.config.URL, nil)
	if err != nil {
		return err
	}
	f.conn = conn

	sub := map[string]interface{}{
		"method": "subscribe",
		"pair":   f.config.Pair,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		f.conn = nil
		return err
	}

	f.logger.Debug("Connected to feed")
	return nil
}

// readLoop reads messages until Stop, reconnecting on failure.
func (f *Feed) readLoop() {
	backoff := f.config.ReconnectBackoff

	for f.running {
		f.connMu.RLock()
		conn := f.conn
		f.connMu.RUnlock()

		if conn == nil {
			if !f.sleep(backoff) {
				return
			}
			if err := f.connect(); err != nil {
				f.logger.Error("Reconnect failed", zap.Error(err))
				backoff = minDuration(backoff*2, f.config.MaxBackoff)
			} else {
				backoff = f.config.ReconnectBackoff
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.running {
				f.logger.Error("Feed read error", zap.Error(err))
				f.connMu.Lock()
				f.conn.Close()
				f.conn = nil
				f.connMu.Unlock()
			}
			continue
		}

		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var msg tickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Pair != "" && msg.Pair != f.config.Pair {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.IsZero() {
		return
	}
	size, _ := decimal.NewFromString(msg.Size)

	tick := types.Tick{
		Time:  time.UnixMilli(msg.Timestamp),
		Price: price,
		Size:  size,
	}

	if f.onTick != nil {
		f.onTick(tick)
	}
}

// sleep waits for d or until the feed context ends. It reports whether the
// feed is still running.
func (f *Feed) sleep(d time.Duration) bool {
	select {
	case <-f.ctx.Done():
		return false
	case <-time.After(d):
		return f.running
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
