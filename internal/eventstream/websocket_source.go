package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/redata/internal/progress"
	"nhooyr.io/websocket"
)

type WebSocketSourceOptions struct {
	URL        string
	Header     http.Header
	ReadLimit  int64
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     progress.Logger
}

// WebSocketSource subscribes to the engine's progress socket and redials
// with capped exponential backoff whenever the connection drops.
type WebSocketSource struct {
	url        string
	header     http.Header
	readLimit  int64
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     progress.Logger
}

func NewWebSocketSource(opts WebSocketSourceOptions) (*WebSocketSource, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: websocket url is required", progress.ErrInvalidInput)
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	return &WebSocketSource{
		url:        url,
		header:     opts.Header.Clone(),
		readLimit:  readLimit,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     opts.Logger,
	}, nil
}

func (s *WebSocketSource) Name() string {
	return "websocket"
}

func (s *WebSocketSource) Run(ctx context.Context, ingest IngestFunc) error {
	backoff := s.minBackoff
	for {
		frames, err := s.session(ctx, ingest)
		if ctx.Err() != nil {
			return nil
		}
		if frames > 0 {
			backoff = s.minBackoff
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.logf("progress socket closed by server, reconnecting in %s", backoff)
		} else {
			s.logf("progress socket error: %v, reconnecting in %s", err, backoff)
		}
		if err := waitWithContext(ctx, backoff); err != nil {
			return nil
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session runs one connection and reports how many frames it read.
func (s *WebSocketSource) session(ctx context.Context, ingest IngestFunc) (int, error) {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	if err != nil {
		return 0, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.readLimit)
	s.logf("progress socket connected to %s", s.url)

	frames := 0
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return frames, err
		}
		if typ != websocket.MessageText {
			continue
		}
		frames++
		if err := ingest(ctx, data); err != nil {
			if errors.Is(err, ErrChannelClosed) {
				return frames, err
			}
			s.logf("progress frame rejected: %v", err)
		}
	}
}

func (s *WebSocketSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
