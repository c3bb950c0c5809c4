// Package walletparse extracts structured values from the wallet agent's
// free-text replies. All patterns live in a versioned YAML table so the
// scraping can change without touching the relay or the deal logic.
package walletparse

import (
	_ "embed"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultTable []byte

// ErrNoMatch is returned when no pattern of a list matched the text
var ErrNoMatch = errors.New("walletparse: no pattern matched")

// Table is the on-disk form of the pattern set
type Table struct {
	Version        int      `yaml:"version"`
	RateLines      int      `yaml:"rate_lines"`
	Rate           []string `yaml:"rate"`
	Address        []string `yaml:"address"`
	TxID           []string `yaml:"txid"`
	Confirmations  []string `yaml:"confirmations"`
	Success        []string `yaml:"success"`
	ConfirmButtons []string `yaml:"confirm_buttons"`
}

// Parser is a compiled Table
type Parser struct {
	version        int
	rateLines      int
	rate           []*regexp.Regexp
	address        []*regexp.Regexp
	txid           []*regexp.Regexp
	confirmations  []*regexp.Regexp
	success        []*regexp.Regexp
	confirmButtons []string
}

// Default returns the parser for the embedded table.
func Default() *Parser {
	p, err := Parse(defaultTable)
	if err != nil {
		panic(err)
	}
	return p
}

// Load reads a table from path, or returns Default when path is empty.
func Load(path string) (*Parser, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read pattern table %s", path)
	}
	return Parse(data)
}

// Parse compiles a YAML table.
func Parse(data []byte) (*Parser, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "decode pattern table")
	}
	if t.Version <= 0 {
		return nil, errors.New("pattern table: version must be positive")
	}

	p := &Parser{
		version:        t.Version,
		rateLines:      t.RateLines,
		confirmButtons: t.ConfirmButtons,
	}
	lists := []struct {
		name string
		src  []string
		dst  *[]*regexp.Regexp
	}{
		{"rate", t.Rate, &p.rate},
		{"address", t.Address, &p.address},
		{"txid", t.TxID, &p.txid},
		{"confirmations", t.Confirmations, &p.confirmations},
		{"success", t.Success, &p.success},
	}
	for _, l := range lists {
		for i, src := range l.src {
			rx, err := regexp.Compile(src)
			if err != nil {
				return nil, errors.Wrapf(err, "pattern %s[%d]", l.name, i)
			}
			if rx.NumSubexp() != 1 {
				return nil, errors.Errorf("pattern %s[%d]: want one capture group, got %d", l.name, i, rx.NumSubexp())
			}
			*l.dst = append(*l.dst, rx)
		}
	}
	return p, nil
}

// Version of the loaded table
func (p *Parser) Version() int { return p.version }

func firstMatch(list []*regexp.Regexp, text string) (string, bool) {
	for _, rx := range list {
		if m := rx.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// Rate reads the quoted price of one BTC.
func (p *Parser) Rate(text string) (decimal.Decimal, error) {
	raw, ok := firstMatch(p.rate, text)
	if !ok {
		return decimal.Zero, ErrNoMatch
	}
	rate, err := decimal.NewFromString(normalizeNumber(raw))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "rate %q", raw)
	}
	if !rate.IsPositive() {
		return decimal.Zero, errors.Errorf("rate %q is not positive", raw)
	}
	return rate, nil
}

// RateSummary keeps the head of a rate reply for display.
func (p *Parser) RateSummary(text string) string {
	if p.rateLines <= 0 {
		return strings.TrimSpace(text)
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > p.rateLines {
		lines = lines[:p.rateLines]
	}
	return strings.Join(lines, "\n")
}

// Address returns the deposit address in text, or the whole trimmed
// text when no label is found.
func (p *Parser) Address(text string) string {
	if addr, ok := firstMatch(p.address, text); ok {
		return addr
	}
	return strings.TrimSpace(text)
}

// TxID returns the transaction id mentioned in text.
func (p *Parser) TxID(text string) (string, bool) {
	return firstMatch(p.txid, text)
}

// Confirmations returns the confirmation count mentioned in text.
func (p *Parser) Confirmations(text string) (int, bool) {
	raw, ok := firstMatch(p.confirmations, text)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Succeeded reports whether text reads as a positive acknowledgement.
func (p *Parser) Succeeded(text string) bool {
	_, ok := firstMatch(p.success, text)
	return ok
}

// ConfirmButton finds the label the relay should press on its own.
// It returns the index into labels.
func (p *Parser) ConfirmButton(labels []string) (int, bool) {
	for _, want := range p.confirmButtons {
		for i, l := range labels {
			if strings.EqualFold(strings.TrimSpace(l), want) {
				return i, true
			}
		}
	}
	return -1, false
}

// normalizeNumber turns "6 543 210,55" or "6,543,210.55" into "6543210.55".
func normalizeNumber(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, ".,")

	hasDot := strings.Contains(s, ".")
	commas := strings.Count(s, ",")
	switch {
	case hasDot && commas > 0:
		s = strings.ReplaceAll(s, ",", "")
	case commas == 1 && len(s)-strings.Index(s, ",") == 4:
		// 65,432 reads as thousands
		s = strings.Replace(s, ",", "", 1)
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	}
	return s
}
