// Package command separates the machine-readable command markers embedded in
// a model response from the human-readable prose around them.
//
// The model is instructed to append at most one marker per command type at
// the end of its output, in the form [TAG: {json}] with a single-line JSON
// object. During streaming the accumulated buffer is an arbitrary prefix of
// the eventual text, so markers may be half-streamed at any delta boundary;
// DisplayText guarantees no marker fragment is ever shown. Extract runs once
// on the completed buffer and produces the structured payloads.
package command

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/wakeside/skipper/internal/log"
)

// Tag identifies an embedded command marker type.
type Tag string

const (
	TagLeadCapture Tag = "LEAD_CAPTURE"
	TagSendSMS     Tag = "SEND_SMS"
	TagPriceAlert  Tag = "PRICE_ALERT"
	TagFinancing   Tag = "FINANCING_CTA"
)

// extractionOrder is the fixed priority order used at finalization.
var extractionOrder = []Tag{TagLeadCapture, TagSendSMS, TagPriceAlert, TagFinancing}

// Command is one structured side-effect payload extracted from a response.
type Command interface {
	Tag() Tag
}

// LeadCapture asks the client to record contact details for follow-up.
type LeadCapture struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

func (LeadCapture) Tag() Tag { return TagLeadCapture }

// SmsRequest asks the client to text collateral to the customer.
// ContentKind names what to send (brochure, quote, spec sheet), not free text.
type SmsRequest struct {
	Name        string `json:"name,omitempty"`
	Phone       string `json:"phone"`
	ContentKind string `json:"content"`
}

func (SmsRequest) Tag() Tag { return TagSendSMS }

// PriceAlert asks the client to register a price-drop alert.
type PriceAlert struct {
	Name    string  `json:"name,omitempty"`
	Phone   string  `json:"phone"`
	MotorHP float64 `json:"motor_hp,omitempty"`
}

func (PriceAlert) Tag() Tag { return TagPriceAlert }

// FinancingOffer asks the client to render a financing card.
// The numbers come from the assembled prompt, but the price floor is still
// enforced here: a model-emitted offer below the minimum is never surfaced.
type FinancingOffer struct {
	Price      float64 `json:"price"`
	Monthly    float64 `json:"monthly"`
	TermMonths int     `json:"term"`
	Rate       float64 `json:"rate"`
	MotorModel string  `json:"motorModel,omitempty"`
}

func (FinancingOffer) Tag() Tag { return TagFinancing }

// openers are the literal marker prefixes checked during streaming.
var openers = []string{
	"[" + string(TagLeadCapture) + ":",
	"[" + string(TagSendSMS) + ":",
	"[" + string(TagPriceAlert) + ":",
	"[" + string(TagFinancing) + ":",
}

// markerPatterns match a complete marker per tag. The JSON object is a single
// line with no nested unescaped brackets, so a non-greedy brace body is exact.
var markerPatterns = map[Tag]*regexp.Regexp{
	TagLeadCapture: regexp.MustCompile(`\[LEAD_CAPTURE:\s*(\{[^{}]*\})\s*\]`),
	TagSendSMS:     regexp.MustCompile(`\[SEND_SMS:\s*(\{[^{}]*\})\s*\]`),
	TagPriceAlert:  regexp.MustCompile(`\[PRICE_ALERT:\s*(\{[^{}]*\})\s*\]`),
	TagFinancing:   regexp.MustCompile(`\[FINANCING_CTA:\s*(\{[^{}]*\})\s*\]`),
}

// Parser strips command markers from streamed text and extracts their
// payloads once the stream completes. Safe for concurrent use; it holds no
// per-turn state.
type Parser struct {
	minFinancingPrice float64
	logger            log.Logger
}

// NewParser creates a parser. Financing offers whose price is below
// minFinancingPrice are stripped from display but never emitted as payloads.
func NewParser(minFinancingPrice float64, logger log.Logger) *Parser {
	return &Parser{minFinancingPrice: minFinancingPrice, logger: logger}
}

// DisplayText returns the user-visible portion of an accumulating stream
// buffer. The buffer is truncated at the first partial or complete marker
// opener and trailing whitespace is trimmed.
//
// Truncating on a partial sighting means a literal "[FINANCING_CTA" substring
// mid-sentence would hide trailing prose. Markers are documented as
// end-of-message only, so this is accepted over ever flashing a half-streamed
// marker to the user.
func (p *Parser) DisplayText(buf string) string {
	cut := len(buf)
	for i := 0; i < cut; i++ {
		if buf[i] != '[' {
			continue
		}
		rest := buf[i:]
		for _, op := range openers {
			if strings.HasPrefix(rest, op) || strings.HasPrefix(op, rest) {
				cut = i
				break
			}
		}
	}
	return strings.TrimRight(buf[:cut], " \t\r\n")
}

// Extract runs the strict per-tag grammars against the completed buffer.
// It returns the cleaned display text (all matched markers removed, trailing
// whitespace trimmed) and the payloads in extraction priority order.
//
// Failure modes, all non-fatal:
//   - malformed JSON inside a matched marker: stripped, logged, no payload
//   - repeated tag: first occurrence wins, later ones stripped and ignored
//   - financing below the price floor: stripped, logged, no payload
func (p *Parser) Extract(buf string) (string, []Command) {
	var cmds []Command
	var spans [][2]int

	for _, tag := range extractionOrder {
		matches := markerPatterns[tag].FindAllStringSubmatchIndex(buf, -1)
		for n, m := range matches {
			spans = append(spans, [2]int{m[0], m[1]})
			if n > 0 {
				p.logger.Debug("ignoring repeated command marker", "tag", tag)
				continue
			}
			cmd, err := p.decode(tag, buf[m[2]:m[3]])
			if err != nil {
				p.logger.Warn("dropping malformed command marker",
					"tag", tag,
					"error", err)
				continue
			}
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	}

	return removeSpans(buf, spans), cmds
}

// decode parses one marker body. A nil, nil return means the marker was
// valid but suppressed by a business rule.
func (p *Parser) decode(tag Tag, body string) (Command, error) {
	switch tag {
	case TagLeadCapture:
		var c LeadCapture
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, err
		}
		return c, nil
	case TagSendSMS:
		var c SmsRequest
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, err
		}
		return c, nil
	case TagPriceAlert:
		var c PriceAlert
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, err
		}
		return c, nil
	case TagFinancing:
		var c FinancingOffer
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, err
		}
		if c.Price < p.minFinancingPrice {
			p.logger.Debug("suppressing financing offer below price floor",
				"price", c.Price,
				"floor", p.minFinancingPrice)
			return nil, nil
		}
		return c, nil
	}
	return nil, nil
}

// removeSpans cuts the given byte ranges out of s and trims the result.
func removeSpans(s string, spans [][2]int) string {
	if len(spans) == 0 {
		return strings.TrimRight(s, " \t\r\n")
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	var b strings.Builder
	b.Grow(len(s))
	pos := 0
	for _, sp := range spans {
		if sp[0] < pos {
			continue // overlapping span already removed
		}
		b.WriteString(s[pos:sp[0]])
		pos = sp[1]
	}
	b.WriteString(s[pos:])

	return strings.TrimRight(b.String(), " \t\r\n")
}
