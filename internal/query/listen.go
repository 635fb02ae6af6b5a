package query

import (
	"strings"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
)

func (d *Dispatcher) handleListen(rest string, sess *session.Session) (*Result, error) {
	channel, err := channelArg(rest, "LISTEN")
	if err != nil {
		return nil, err
	}
	if d.hub == nil {
		return nil, pgerr.New(pgerr.CodeInternalError, "notification hub is not configured")
	}
	folded, perr := d.hub.ValidateChannelName(channel)
	if perr != nil {
		return nil, perr
	}
	if perr := d.hub.AddListener(sess.ID(), folded, sess); perr != nil {
		return nil, perr
	}
	sess.AddListeningChannel(folded)
	return &Result{Command: "LISTEN"}, nil
}

func (d *Dispatcher) handleUnlisten(rest string, sess *session.Session) (*Result, error) {
	target := strings.TrimSpace(rest)
	if target == "*" {
		if d.hub != nil {
			d.hub.RemoveAllForConnection(sess.ID())
		}
		sess.ClearListeningChannels()
		return &Result{Command: "UNLISTEN"}, nil
	}

	channel, err := channelArg(rest, "UNLISTEN")
	if err != nil {
		return nil, err
	}
	folded := strings.ToLower(channel)
	if d.hub != nil {
		d.hub.RemoveListener(sess.ID(), folded)
	}
	sess.RemoveListeningChannel(folded)
	return &Result{Command: "UNLISTEN"}, nil
}

func (d *Dispatcher) handleNotify(rest string, sess *session.Session) (*Result, error) {
	channel, tail, err := notifyChannel(rest)
	if err != nil {
		return nil, err
	}
	payload, err := notifyPayload(tail)
	if err != nil {
		return nil, err
	}
	if d.hub == nil {
		return nil, pgerr.New(pgerr.CodeInternalError, "notification hub is not configured")
	}
	res, perr := d.hub.Notify(channel, payload, sess.BackendPid())
	if perr != nil {
		return nil, perr
	}
	if res.Failed > 0 {
		d.log.Warn("notification fan-out had failed deliveries",
			"channel", channel, "delivered", res.Delivered, "failed", res.Failed)
	}
	return &Result{Command: "NOTIFY"}, nil
}

// channelArg parses the single identifier LISTEN and UNLISTEN take.
func channelArg(rest, stmt string) (string, error) {
	if strings.TrimSpace(rest) == "" {
		return "", pgerr.Syntax("%s requires a channel name", stmt)
	}
	name, tail, err := parseIdentifier(rest)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(tail) != "" {
		return "", pgerr.Syntax("syntax error at or near %q", firstWord(tail))
	}
	return name, nil
}

// notifyChannel parses the channel and returns the remainder, which may
// carry a payload after a comma.
func notifyChannel(rest string) (string, string, error) {
	if strings.TrimSpace(rest) == "" {
		return "", "", pgerr.Syntax("NOTIFY requires a channel name")
	}
	name, tail, err := parseIdentifier(rest)
	if err != nil {
		return "", "", err
	}
	return name, strings.TrimSpace(tail), nil
}

// notifyPayload parses the optional , '<payload>' tail.
func notifyPayload(tail string) (string, error) {
	if tail == "" {
		return "", nil
	}
	if tail[0] != ',' {
		return "", pgerr.Syntax("syntax error at or near %q", firstWord(tail))
	}
	tail = strings.TrimSpace(tail[1:])
	if tail == "" || tail[0] != '\'' {
		return "", pgerr.Syntax("NOTIFY payload must be a string literal")
	}
	lit, rest, err := singleQuoted(tail)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(rest) != "" {
		return "", pgerr.Syntax("syntax error at or near %q", firstWord(rest))
	}
	return lit, nil
}
