// Package classify routes a user message to one of the knowledge domains the
// assistant can draw on before answering.
//
// Classification is a pure function over an ordered pattern table: earlier
// rules represent redirect or short-circuit intents and always win over later,
// broader rules. The active subject context can widen the result (to the
// product-spec domain) but never narrows an explicit match.
package classify

import (
	"regexp"
	"strings"
)

// Category is a knowledge domain for a single user message.
// Computed once per message and never persisted.
type Category int

const (
	// None means the message needs no augmentation at all.
	None Category = iota

	// TradeInRedirect routes "what's my old motor worth" style messages to
	// the in-app trade-in valuation flow. Never augmented externally.
	TradeInRedirect

	// QuoteRedirect routes repower/installation quote requests to the quote
	// calculator flow.
	QuoteRedirect

	// Financing covers payment, loan and rate questions. First-party terms
	// are authoritative; external lookup is disallowed.
	Financing

	// Promotions covers rebates and current offers. First-party data only.
	Promotions

	// Pricing covers "how much is" questions against the live price list.
	Pricing

	// Inventory covers stock and availability questions.
	Inventory

	// Specs covers consumption, weight, dimensions and performance of a
	// specific motor model.
	Specs

	// Comparison covers model-vs-model and brand-vs-brand questions.
	Comparison

	// Rigging covers controls, gauges, cabling and installation fitment.
	Rigging

	// Maintenance covers service intervals, winterization and break-in.
	Maintenance

	// Warranty covers manufacturer warranty coverage questions.
	Warranty

	// Shipping covers delivery options and freight. Dealer policy is
	// authoritative.
	Shipping

	// Dealer covers hours, location and contact questions.
	Dealer

	// Service covers booking service or sea-trial appointments.
	Service

	// General is the fallback for unmatched questions.
	General
)

var categoryNames = map[Category]string{
	None:            "none",
	TradeInRedirect: "tradein_redirect",
	QuoteRedirect:   "quote_redirect",
	Financing:       "financing",
	Promotions:      "promotions",
	Pricing:         "pricing",
	Inventory:       "inventory",
	Specs:           "specs",
	Comparison:      "comparison",
	Rigging:         "rigging",
	Maintenance:     "maintenance",
	Warranty:        "warranty",
	Shipping:        "shipping",
	Dealer:          "dealer",
	Service:         "service",
	General:         "general",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// Searchable reports whether external knowledge lookup is allowed for the
// category. Domains backed by authoritative first-party data (pricing,
// promotions, financing, stock, dealer policy) must never be verified or
// enriched via external search.
func (c Category) Searchable() bool {
	switch c {
	case Specs, Comparison, Rigging, Maintenance, Warranty, General:
		return true
	default:
		return false
	}
}

// rule pairs a predicate with the category it selects. The table is evaluated
// top to bottom; the first match wins.
type rule struct {
	re  *regexp.Regexp
	cat Category
}

var rules = []rule{
	// Redirect intents first. These short-circuit everything else: a
	// trade-in question must reach the valuation flow, not a search.
	{regexp.MustCompile(`(?i)\btrade[- ]?in\b|\bwhat(?:'s| is)\s+my\s+(?:old\s+)?(?:motor|outboard|engine|boat)\s+worth\b|\bold\s+(?:motor|outboard|engine)\s+worth\b`), TradeInRedirect},
	{regexp.MustCompile(`(?i)\b(?:get|need|want|request)\s+(?:a\s+)?quote\b|\brepower\s+quote\b|\bquote\s+(?:for|on)\b|\bhow\s+much\s+to\s+(?:repower|install|rig)\b`), QuoteRedirect},

	// First-party data domains.
	{regexp.MustCompile(`(?i)\bfinanc|\bmonthly\s+payment|\bpayments?\s+plan|\b(?:apr|interest\s+rate)\b|\bloan\b|\bper\s+month\b`), Financing},
	{regexp.MustCompile(`(?i)\brebate|\bpromo(?:tion)?s?\b|\bdiscount|\bon\s+sale\b|\bspecial\s+offer|\bdeals?\b`), Promotions},
	{regexp.MustCompile(`(?i)\bhow\s+much\s+(?:is|for|does)\b|\bprice\s+(?:of|for|on)\b|\bcost\s+of\b|\bwhat\s+does\s+.{0,40}\bcost\b|\bpricing\b`), Pricing},
	{regexp.MustCompile(`(?i)\bin\s+stock\b|\bavailab|\bhave\s+any\b|\binventory\b|\blead\s+time\b|\bwhen\s+can\s+(?:i|we)\s+get\b`), Inventory},

	// Product knowledge domains (externally searchable).
	{regexp.MustCompile(`(?i)\bfuel\s+(?:consumption|burn|economy|usage)\b|\bgph\b|\bmpg\b|\bhow\s+heavy\b|\bweigh[st]?\b|\bdimensions?\b|\bshaft\s+length\b|\bdisplacement\b|\btop\s+speed\b|\brpm\s+range\b|\bhorsepower\s+rating\b`), Specs},
	{regexp.MustCompile(`(?i)\b(?:vs\.?|versus)\b|\bcompared?\s+(?:to|with)\b|\bdifference\s+between\b|\bwhich\s+is\s+(?:better|quieter|lighter|faster)\b`), Comparison},
	{regexp.MustCompile(`(?i)\brigging\b|\bcontrols?\b|\bthrottle\b|\bgauges?\b|\bsteering\b|\btiller\b|\bcable|\bharness\b|\bpropeller\s+fit|\bprop\s+size\b`), Rigging},
	{regexp.MustCompile(`(?i)\bmaintenance\b|\bservice\s+interval|\bwinteriz|\boil\s+change\b|\bbreak[- ]?in\b|\bflush(?:ing)?\b|\bspark\s+plug|\bimpeller\b`), Maintenance},
	{regexp.MustCompile(`(?i)\bwarrant(?:y|ies)\b|\bcover(?:ed|age)\b.{0,30}\b(?:years?|defect)|\bextended\s+protection\b`), Warranty},

	// Dealer policy and logistics.
	{regexp.MustCompile(`(?i)\bship(?:ping|ment)?\b|\bdeliver(?:y|ed)?\b|\bfreight\b|\bpick\s*up\b`), Shipping},
	{regexp.MustCompile(`(?i)\bhours\b|\bopen\s+(?:on|until|today)\b|\bwhere\s+are\s+you\b|\blocation\b|\baddress\b|\bphone\s+number\b|\bdirections\b`), Dealer},
	{regexp.MustCompile(`(?i)\bappointment\b|\bschedule\b|\bbook\s+(?:a\s+)?(?:service|sea[- ]?trial|demo)\b|\bsea[- ]?trial\b`), Service},
}

// subjectSpecs widens classification when a specific motor is in view and the
// message is about its consumption, size or performance, even if no rule in
// the table fired on the raw text.
var subjectSpecs = regexp.MustCompile(`(?i)\bfuel\b|\bconsum|\befficien|\beconomy\b|\bburn\b|\bweight?\b|\bheavy\b|\bsize\b|\bbig\b|\btall\b|\bfit\b|\bperform|\bfast\b|\bspeed\b|\bpower\b|\bquiet\b|\bloud\b`)

// Classify maps a user message to a category. hasSubject reports whether a
// specific product is in view (previewed or selected on the page).
//
// Deterministic: the same message and context always yield the same category.
func Classify(message string, hasSubject bool) Category {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return None
	}

	for _, r := range rules {
		if r.re.MatchString(msg) {
			return r.cat
		}
	}

	// Context can widen: a motor in view makes vague consumption/size/
	// performance questions answerable as product knowledge.
	if hasSubject && subjectSpecs.MatchString(msg) {
		return Specs
	}

	// Anything that is clearly a question still deserves some augmentation.
	if strings.Contains(msg, "?") {
		return General
	}

	return None
}
