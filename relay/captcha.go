package relay

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

type storedCaptcha struct {
	msg    Message
	stored time.Time
}

// captchaStore keeps button-bearing wallet replies until the escrow side
// sends a solution. Entries older than ttl are dropped on every insert.
type captchaStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]storedCaptcha
}

func newCaptchaStore(ttl time.Duration) *captchaStore {
	return &captchaStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]storedCaptcha),
	}
}

func (s *captchaStore) put(token string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.Sub(e.stored) > s.ttl {
			delete(s.entries, k)
		}
	}
	s.entries[token] = storedCaptcha{msg: msg, stored: now}
}

func (s *captchaStore) get(token string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || s.now().Sub(e.stored) > s.ttl {
		return Message{}, false
	}
	return e.msg, true
}

func (s *captchaStore) drop(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
}

func (s *captchaStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// pickButton finds the control a solution refers to. An exact label or
// callback payload wins, then a 1-based position, then a label or payload
// containing the solution when exactly one button does.
func pickButton(msg Message, solution string) (Button, bool) {
	want := strings.TrimSpace(solution)
	if want == "" {
		return Button{}, false
	}

	var buttons []Button
	for _, row := range msg.Buttons {
		buttons = append(buttons, row...)
	}

	for _, b := range buttons {
		if strings.EqualFold(strings.TrimSpace(b.Text), want) || strings.EqualFold(string(b.Data), want) {
			return b, true
		}
	}

	if n, err := strconv.Atoi(want); err == nil {
		return msg.Button(n - 1)
	}

	lower := strings.ToLower(want)
	var found []Button
	for _, b := range buttons {
		if strings.Contains(strings.ToLower(b.Text), lower) || strings.Contains(strings.ToLower(string(b.Data)), lower) {
			found = append(found, b)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return Button{}, false
}
