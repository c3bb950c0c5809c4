// Package wire frames relay traffic between the escrow bot and the intermediary.
//
// Requests:  [REQ_<token>] <subcommand> <key=value ...>
// Replies:   [REQ_<token>] <free text>
//
// Nothing outside this package and the relay router should see the marker.
package wire

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Subcommands understood by the intermediary
const (
	CmdBalance      = "/balance"
	CmdRate         = "/btc"
	CmdAddress      = "get_address"
	CmdSendTo       = "send_to"
	CmdHistory      = "get_history"
	CmdLastMessage  = "get_last_message"
	CmdSolveCaptcha = "/solve_captcha"
)

const (
	choicesPrefix    = "captcha:"
	choicesSeparator = " | "
	markerPrefix     = "[REQ_"
)

var (
	markerRx = regexp.MustCompile(`(?s)^\[REQ_(\w+)\]\s*(.*)$`)
	tokenRx  = regexp.MustCompile(`^\w+$`)
	errorRx  = regexp.MustCompile(`(?i)error|fail|exception`)
)

// Frame is a decoded relay message
type Frame struct {
	Token string
	Body  string
}

// Request is a decoded request body
type Request struct {
	Command string
	Params  map[string]string
	Args    []string // positional words that are not key=value
}

// HasMarker reports whether text starts with a request marker
func HasMarker(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), markerPrefix)
}

// Decode splits a marked message into token and body
func Decode(text string) (Frame, bool) {
	m := markerRx.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Frame{}, false
	}
	return Frame{Token: m[1], Body: strings.TrimSpace(m[2])}, true
}

// Encode frames a reply body with a token
func Encode(token, body string) string {
	if body == "" {
		return fmt.Sprintf("[REQ_%s]", token)
	}
	return fmt.Sprintf("[REQ_%s] %s", token, body)
}

// EncodeRequest frames a subcommand and its parameters.
// Parameters are written in key order so the text is deterministic.
func EncodeRequest(token, command string, params map[string]string) string {
	if len(params) == 0 {
		return Encode(token, command)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{command}
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return Encode(token, strings.Join(parts, " "))
}

// ParseRequest splits a request body into command, key=value params and positional args
func ParseRequest(body string) Request {
	fields := strings.Fields(body)
	req := Request{Params: map[string]string{}}
	if len(fields) == 0 {
		return req
	}
	req.Command = fields[0]
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok && k != "" {
			req.Params[k] = v
			continue
		}
		req.Args = append(req.Args, f)
	}
	return req
}

// ValidToken reports whether a token can be embedded in a marker
func ValidToken(token string) bool {
	return tokenRx.MatchString(token)
}

// IsError classifies a reply body as an error outcome
func IsError(body string) bool {
	return errorRx.MatchString(body)
}

// EncodeChoices renders the option labels of a button-bearing reply
func EncodeChoices(options []string) string {
	return choicesPrefix + " " + strings.Join(options, choicesSeparator)
}

// DecodeChoices extracts option labels from a reply body produced by EncodeChoices
func DecodeChoices(body string) ([]string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(body), choicesPrefix)
	if !ok {
		return nil, false
	}
	var options []string
	for _, o := range strings.Split(rest, strings.TrimSpace(choicesSeparator)) {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	return options, true
}
