// Package hub implements the process-wide LISTEN/NOTIFY registry. It is the
// only component mutated by multiple connection goroutines: the channel
// table is guarded by the hub mutex and each channel's listener list by its
// own mutex, which is the only lock held while notification frames are
// written to listener sockets.
package hub

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/stats"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

// Config bounds the registry. Zero values take the PostgreSQL-flavored
// defaults.
type Config struct {
	MaxChannels            int
	MaxListenersPerChannel int
	ChannelNameMaxLength   int
	PayloadMaxLength       int
	CleanupInterval        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxChannels <= 0 {
		c.MaxChannels = 1000
	}
	if c.MaxListenersPerChannel <= 0 {
		c.MaxListenersPerChannel = 100
	}
	if c.ChannelNameMaxLength <= 0 {
		c.ChannelNameMaxLength = 63
	}
	if c.PayloadMaxLength <= 0 {
		c.PayloadMaxLength = 8000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

var channelNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Listener is one (connection, channel) registration.
type Listener struct {
	ConnectionID string
	Channel      string
	StartedAt    time.Time

	sess   *session.Session
	active bool
}

// channel keeps its listeners in insertion order; delivery follows it.
type channel struct {
	mu                sync.Mutex
	name              string
	listeners         []*Listener
	createdAt         time.Time
	notificationCount int64
}

// Result summarizes one NOTIFY fan-out.
type Result struct {
	Delivered   int
	Failed      int
	TotalActive int
}

// Hub is the global channel registry.
type Hub struct {
	cfg   Config
	log   *slog.Logger
	stats stats.Stats

	mu       sync.Mutex
	channels map[string]*channel

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds the hub and starts its reclamation sweeper.
func New(cfg Config, log *slog.Logger, st stats.Stats) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		cfg:      cfg.withDefaults(),
		log:      log,
		stats:    stats.OrNop(st),
		channels: make(map[string]*channel),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.sweepLoop()
	return h
}

// Stop terminates the sweeper. Registered listeners stay valid; Stop is for
// server shutdown.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

// ValidateChannelName folds the name to lower case and checks it against
// the identifier pattern and the length limit.
func (h *Hub) ValidateChannelName(name string) (string, *pgerr.Error) {
	folded := strings.ToLower(strings.TrimSpace(name))
	if folded == "" {
		return "", pgerr.Syntax("channel name must not be empty")
	}
	if len(folded) > h.cfg.ChannelNameMaxLength {
		return "", pgerr.New(pgerr.CodeInvalidParameterValue,
			"channel name %q exceeds %d characters", folded, h.cfg.ChannelNameMaxLength)
	}
	if !channelNamePattern.MatchString(folded) {
		return "", pgerr.Syntax("invalid channel name %q", name)
	}
	return folded, nil
}

// AddListener registers a connection on a channel, creating the channel on
// first use. Registering the same connection twice is a no-op success.
func (h *Hub) AddListener(connID, channelName string, sess *session.Session) *pgerr.Error {
	name, perr := h.ValidateChannelName(channelName)
	if perr != nil {
		return perr
	}

	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		if len(h.channels) >= h.cfg.MaxChannels {
			h.mu.Unlock()
			return pgerr.New(pgerr.CodeProgramLimitExceeded,
				"too many notification channels (limit %d)", h.cfg.MaxChannels)
		}
		ch = &channel{name: name, createdAt: time.Now()}
		h.channels[name] = ch
	}
	h.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, l := range ch.listeners {
		if l.ConnectionID == connID {
			l.active = true
			return nil
		}
	}
	if h.activeCountLocked(ch) >= h.cfg.MaxListenersPerChannel {
		return pgerr.New(pgerr.CodeProgramLimitExceeded,
			"too many listeners on channel %q (limit %d)", name, h.cfg.MaxListenersPerChannel)
	}
	ch.listeners = append(ch.listeners, &Listener{
		ConnectionID: connID,
		Channel:      name,
		StartedAt:    time.Now(),
		sess:         sess,
		active:       true,
	})
	return nil
}

// RemoveListener drops one registration. Removing an absent listener or an
// unknown channel succeeds; empty channels are left for the sweeper.
func (h *Hub) RemoveListener(connID, channelName string) {
	name := strings.ToLower(strings.TrimSpace(channelName))
	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners = removeConn(ch.listeners, connID)
}

// RemoveAllForConnection drops every registration of a closing connection.
func (h *Hub) RemoveAllForConnection(connID string) {
	for _, ch := range h.snapshotChannels() {
		ch.mu.Lock()
		ch.listeners = removeConn(ch.listeners, connID)
		ch.mu.Unlock()
	}
}

func removeConn(listeners []*Listener, connID string) []*Listener {
	kept := listeners[:0]
	for _, l := range listeners {
		if l.ConnectionID != connID {
			kept = append(kept, l)
		}
	}
	return kept
}

// Notify fans a notification out to every active listener in insertion
// order. A listener whose session is gone or whose write fails is marked
// inactive and counted as failed without aborting delivery to the rest.
// Notifying a channel nobody listens on succeeds with zero deliveries.
func (h *Hub) Notify(channelName, payload string, senderPid uint32) (Result, *pgerr.Error) {
	name, perr := h.ValidateChannelName(channelName)
	if perr != nil {
		return Result{}, perr
	}
	if len(payload) > h.cfg.PayloadMaxLength {
		return Result{}, pgerr.New(pgerr.CodeInvalidParameterValue,
			"notification payload exceeds %d bytes", h.cfg.PayloadMaxLength)
	}

	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return Result{}, nil
	}

	frame := wire.NotificationResponse(senderPid, name, payload)

	ch.mu.Lock()
	var res Result
	for _, l := range ch.listeners {
		if !l.active {
			continue
		}
		if l.sess == nil || !l.sess.Connected() {
			l.active = false
			res.Failed++
			continue
		}
		if err := l.sess.WriteFrames(frame); err != nil {
			h.log.Debug("notification delivery failed",
				"channel", name, "connection", l.ConnectionID, "error", err)
			l.active = false
			res.Failed++
			continue
		}
		res.Delivered++
	}
	if res.Failed > 0 {
		ch.listeners = sweepInactive(ch.listeners)
	}
	ch.notificationCount++
	res.TotalActive = h.activeCountLocked(ch)
	ch.mu.Unlock()

	h.stats.NotificationFanout(name, res.Delivered, res.Failed)
	return res, nil
}

func sweepInactive(listeners []*Listener) []*Listener {
	kept := listeners[:0]
	for _, l := range listeners {
		if l.active {
			kept = append(kept, l)
		}
	}
	return kept
}

func (h *Hub) activeCountLocked(ch *channel) int {
	n := 0
	for _, l := range ch.listeners {
		if l.active {
			n++
		}
	}
	return n
}

func (h *Hub) snapshotChannels() []*channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		out = append(out, ch)
	}
	return out
}

// sweepLoop periodically reclaims empty channels and entries whose session
// has disconnected without an UNLISTEN.
func (h *Hub) sweepLoop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-h.stopCh:
			return
		}
	}
}

// Sweep removes dead listeners and reclaims channels without any.
func (h *Hub) Sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, ch := range h.channels {
		ch.mu.Lock()
		kept := ch.listeners[:0]
		for _, l := range ch.listeners {
			if l.active && l.sess != nil && l.sess.Connected() {
				kept = append(kept, l)
			}
		}
		ch.listeners = kept
		empty := len(ch.listeners) == 0
		ch.mu.Unlock()
		if empty {
			delete(h.channels, name)
			h.log.Debug("reclaimed empty channel", "channel", name)
		}
	}
}

// ChannelInfo is a point-in-time channel snapshot for introspection.
type ChannelInfo struct {
	Name          string    `json:"name"`
	Listeners     int       `json:"listeners"`
	CreatedAt     time.Time `json:"created_at"`
	Notifications int64     `json:"notifications"`
}

// Channels lists the registry sorted by name.
func (h *Hub) Channels() []ChannelInfo {
	chans := h.snapshotChannels()
	out := make([]ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		ch.mu.Lock()
		out = append(out, ChannelInfo{
			Name:          ch.name,
			Listeners:     h.activeCountLocked(ch),
			CreatedAt:     ch.createdAt,
			Notifications: ch.notificationCount,
		})
		ch.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChannelCount returns the number of live channels.
func (h *Hub) ChannelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// ListenerCount sums active listeners across channels.
func (h *Hub) ListenerCount() int {
	total := 0
	for _, ch := range h.snapshotChannels() {
		ch.mu.Lock()
		total += h.activeCountLocked(ch)
		ch.mu.Unlock()
	}
	return total
}

// ListensTo reports whether the connection has an active registration on
// the channel.
func (h *Hub) ListensTo(connID, channelName string) bool {
	name := strings.ToLower(strings.TrimSpace(channelName))
	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, l := range ch.listeners {
		if l.ConnectionID == connID && l.active {
			return true
		}
	}
	return false
}
