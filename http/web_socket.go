package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
)

const (
	// feedBuffer is how many reports a slow subscriber may fall behind by
	// before reports are dropped for it.
	feedBuffer = 64

	feedWriteTimeout = 10 * time.Second
)

// relocationFeed fans move reports out to WebSocket subscribers.
type relocationFeed struct {
	mu          sync.Mutex
	subscribers map[chan *br.MoveReport]struct{}
	closed      bool
}

func newRelocationFeed() *relocationFeed {
	return &relocationFeed{subscribers: make(map[chan *br.MoveReport]struct{})}
}

// subscribe returns a channel receiving every subsequent report, or nil once
// the feed is closed.
func (f *relocationFeed) subscribe() chan *br.MoveReport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	ch := make(chan *br.MoveReport, feedBuffer)
	f.subscribers[ch] = struct{}{}
	return ch
}

func (f *relocationFeed) unsubscribe(ch chan *br.MoveReport) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subscribers[ch]; ok {
		delete(f.subscribers, ch)
		close(ch)
	}
}

// broadcast never blocks; subscribers with a full buffer miss the report.
func (f *relocationFeed) broadcast(report *br.MoveReport) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subscribers {
		select {
		case ch <- report:
		default:
		}
	}
}

func (f *relocationFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for ch := range f.subscribers {
		delete(f.subscribers, ch)
		close(ch)
	}
}

// handleRelocationFeed handles the "GET /ws/relocations" route. It streams a
// JSON MoveReport for every handled event until the client goes away.
func (s *Server) handleRelocationFeed(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.Error(w, r, br.Errorf(br.EUNAUTHORIZED, "invalid webhook key"))
		return
	}

	// upgrade this connection to a WebSocket connection
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ch := s.feed.subscribe()
	if ch == nil {
		return
	}
	defer s.feed.unsubscribe(ch)

	// Subscribers only listen; reading detects the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case report, ok := <-ch:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(feedWriteTimeout))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := ws.WriteJSON(report); err != nil {
				s.Logger.Debug("relocation feed subscriber dropped", zap.Error(err))
				return
			}
		}
	}
}
