package marketdata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// staleAfter bounds how old a streamed book may be before FetchOrderBook
// falls back to REST.
const staleAfter = 10 * time.Second

// Stream maintains a live top-of-book cache over the exchange websocket.
type Stream struct {
	url     string
	markets []int

	mu    sync.RWMutex
	books map[int]streamBook

	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

type streamBook struct {
	bid float64
	ask float64
	at  time.Time
}

// NewStream creates a book stream for the given markets. The host is the
// REST host; the stream derives the websocket endpoint from it.
func NewStream(host string, markets []int) *Stream {
	wsURL := strings.Replace(host, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &Stream{
		url:     wsURL + "/stream",
		markets: markets,
		books:   make(map[int]streamBook),
		stopCh:  make(chan struct{}),
	}
}

// Start connects and begins streaming book updates.
func (s *Stream) Start() {
	if len(s.markets) == 0 {
		log.Info().Msg("Book stream idle: no markets to watch")
		return
	}
	s.running = true
	go s.runWebSocket()
	log.Info().Ints("markets", s.markets).Msg("📡 Book stream started")
}

// Stop closes the stream connection.
func (s *Stream) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
}

// Book returns the cached top of book for a market. ok is false when the
// market is unknown or the snapshot is older than staleAfter.
func (s *Stream) Book(marketID int) (Book, bool) {
	s.mu.RLock()
	entry, ok := s.books[marketID]
	s.mu.RUnlock()
	if !ok || time.Since(entry.at) > staleAfter {
		return Book{}, false
	}
	return makeBook(entry.bid, entry.ask), true
}

func (s *Stream) runWebSocket() {
	for s.running {
		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("Book stream connection failed")
			time.Sleep(5 * time.Second)
			continue
		}

		s.readMessages()

		if s.running {
			log.Warn().Msg("Book stream disconnected, reconnecting...")
			time.Sleep(1 * time.Second)
		}
	}
}

func (s *Stream) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	s.conn = conn

	for _, market := range s.markets {
		sub := map[string]string{
			"type":    "subscribe",
			"channel": fmt.Sprintf("order_book/%d", market),
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe market %d: %w", market, err)
		}
	}

	log.Info().Str("url", s.url).Msg("🔌 Book stream connected")
	return nil
}

func (s *Stream) readMessages() {
	for s.running {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.running {
				log.Error().Err(err).Msg("Book stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

type streamMessage struct {
	Channel string `json:"channel"`
	Book    *struct {
		Bids []bookLevel `json:"bids"`
		Asks []bookLevel `json:"asks"`
	} `json:"order_book"`
}

func (s *Stream) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Book == nil {
		return
	}
	marketID, ok := channelMarket(msg.Channel)
	if !ok {
		return
	}

	var bid, ask float64
	if len(msg.Book.Bids) > 0 {
		bid, _ = strconv.ParseFloat(msg.Book.Bids[0].Price, 64)
	}
	if len(msg.Book.Asks) > 0 {
		ask, _ = strconv.ParseFloat(msg.Book.Asks[0].Price, 64)
	}

	s.mu.Lock()
	s.books[marketID] = streamBook{bid: bid, ask: ask, at: time.Now()}
	s.mu.Unlock()
}

// channelMarket parses "order_book:3" or "order_book/3" into 3.
func channelMarket(channel string) (int, bool) {
	idx := strings.LastIndexAny(channel, ":/")
	if idx < 0 {
		return 0, false
	}
	id, err := strconv.Atoi(channel[idx+1:])
	if err != nil {
		return 0, false
	}
	return id, true
}
