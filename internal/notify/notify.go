// Package notify pushes failure alerts to a Telegram chat.
//
// It subscribes to run lifecycle events and sends one message per failed
// run. Delivery is best-effort: a slow or unreachable Telegram API must
// never block the engine, so sends are rate-limited and drop on overflow.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

// Config controls the Telegram failure notifier.
type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	// NotifySkipped also reports overlap-skipped runs. Off by default;
	// skips are routine when schedules outpace run duration.
	NotifySkipped bool

	// RatePerMin bounds outgoing messages. 0 means default (10).
	RatePerMin int

	// TailLines limits how much captured output goes into the alert.
	// 0 means default (15).
	TailLines int
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 10
	}
	if c.TailLines <= 0 {
		c.TailLines = 15
	}
	return c
}

// sender is the slice of *tele.Bot we use. Split out so tests can fake it.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	cfg  Config
	log  logx.Logger
	bot  sender
	chat tele.Recipient

	limiter *rate.Limiter

	mu    sync.Mutex
	unsub func()
	done  chan struct{}

	dropped uint64
}

// New builds the notifier. Returns (nil, nil) when disabled.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, b, log), nil
}

func newWithSender(cfg Config, bot sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "notify")),
		bot:     bot,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin),
	}
}

// Start begins consuming events.
func (s *Service) Start(bus eventbus.Bus) {
	if s == nil || bus == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}
	ch, unsub := bus.Subscribe(32)
	s.unsub = unsub
	s.done = make(chan struct{})
	go s.loop(ch, s.done)
}

func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	unsub := s.unsub
	done := s.done
	s.unsub = nil
	s.done = nil
	s.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	<-done
}

func (s *Service) loop(ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		switch ev.Type {
		case eventbus.TypeRunFailed:
		case eventbus.TypeRunSkipped:
			if !s.cfg.NotifySkipped {
				continue
			}
		default:
			continue
		}
		item, ok := ev.Data.(engine.HistoryItem)
		if !ok {
			continue
		}
		if !s.limiter.Allow() {
			s.dropped++
			s.log.Debug("alert dropped (rate limited)", logx.String("job", item.Job))
			continue
		}
		text := s.format(ev.Type, item)
		if _, err := s.bot.Send(s.chat, text, tele.ModeHTML, tele.NoPreview); err != nil {
			s.log.Warn("alert send failed", logx.String("job", item.Job), logx.Err(err))
		}
	}
}

func (s *Service) format(evType string, item engine.HistoryItem) string {
	var b strings.Builder
	if evType == eventbus.TypeRunSkipped {
		fmt.Fprintf(&b, "⏭ <b>%s</b> skipped: previous run still in flight", escape(item.Job))
		return b.String()
	}

	fmt.Fprintf(&b, "❌ <b>%s</b> failed", escape(item.Job))
	if item.Step != "" {
		fmt.Fprintf(&b, " at step <code>%s</code>", escape(string(item.Step)))
	}
	if item.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit %d)", item.ExitCode)
	}
	fmt.Fprintf(&b, "\ntrigger: %s", item.Trigger)
	if item.Duration > 0 {
		fmt.Fprintf(&b, ", took %s", item.Duration.Round(time.Millisecond))
	}
	if item.Error != "" {
		fmt.Fprintf(&b, "\n%s", escape(item.Error))
	}
	if tail := lastLines(item.OutputTail, s.cfg.TailLines); tail != "" {
		fmt.Fprintf(&b, "\n<pre>%s</pre>", escape(tail))
	}
	return b.String()
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
