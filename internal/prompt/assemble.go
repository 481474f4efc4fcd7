package prompt

import (
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
)

// Subject is a snapshot of the product and page the customer was looking at
// when the message was sent. It is copied per turn and must not change after
// the request is issued, so the augmentation and the answer stay consistent
// with what the user saw.
type Subject struct {
	Model string
	HP    int
	Price float64
}

// DefaultHistoryPairs bounds the rolling history window passed to the model.
const DefaultHistoryPairs = 8

// Assembler builds the instruction payload for one turn. Pure and
// deterministic given identical inputs.
type Assembler struct {
	kn           *Knowledge
	historyPairs int
}

// NewAssembler creates an assembler over a loaded knowledge document.
// historyPairs <= 0 selects DefaultHistoryPairs.
func NewAssembler(kn *Knowledge, historyPairs int) *Assembler {
	if historyPairs <= 0 {
		historyPairs = DefaultHistoryPairs
	}
	return &Assembler{kn: kn, historyPairs: historyPairs}
}

// Knowledge returns the document the assembler was built over.
func (a *Assembler) Knowledge() *Knowledge { return a.kn }

// Assemble merges persona rules, precomputed business facts, the in-view
// subject, optional augmentation text and the recent history into the
// message sequence sent to the completion provider.
func (a *Assembler) Assemble(subject *Subject, augmentation string, history []*ai.Message, userText string) []*ai.Message {
	var sys strings.Builder

	sys.WriteString(a.kn.Persona)
	sys.WriteString("\n\n")

	a.writeDealer(&sys)
	a.writeInventory(&sys)
	a.writePromotions(&sys)
	a.writeFinancing(&sys)

	if subject != nil {
		a.writeSubject(&sys, subject)
	}

	if augmentation != "" {
		sys.WriteString("## Background research\n")
		sys.WriteString(augmentation)
		sys.WriteString("\n\n")
	}

	a.writeCommandRules(&sys)

	msgs := make([]*ai.Message, 0, len(history)+2)
	msgs = append(msgs, ai.NewSystemMessage(ai.NewTextPart(sys.String())))
	msgs = append(msgs, windowHistory(history, a.historyPairs)...)
	msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(userText)))
	return msgs
}

func (a *Assembler) writeDealer(b *strings.Builder) {
	d := a.kn.Dealer
	fmt.Fprintf(b, "## Dealership\n%s, %s. Hours: %s. Phone: %s.\n\n",
		d.Name, d.Location, d.Hours, d.Phone)
}

func (a *Assembler) writeInventory(b *strings.Builder) {
	if len(a.kn.Inventory) == 0 {
		return
	}
	term := a.kn.Financing.LongestTerm()
	b.WriteString("## In-stock motors (authoritative, state these numbers as-is)\n")
	for _, line := range a.kn.Inventory {
		fmt.Fprintf(b, "- %s (%d HP): $%.0f, %d in stock", line.Model, line.HP, line.ListPrice, line.Stock)
		if term > 0 && line.ListPrice >= a.kn.Financing.MinPrice {
			fmt.Fprintf(b, ", from $%.0f/mo for %d months at %.2f%% APR",
				a.kn.Financing.MonthlyPayment(line.ListPrice, term), term, a.kn.Financing.RatePercent)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (a *Assembler) writePromotions(b *strings.Builder) {
	if len(a.kn.Promotions) == 0 {
		return
	}
	b.WriteString("## Active promotions (authoritative)\n")
	for _, p := range a.kn.Promotions {
		fmt.Fprintf(b, "- %s: $%.0f after $%.0f rebate (list $%.0f)\n",
			p.Model, p.FinalPrice(), p.Rebate, p.ListPrice)
	}
	b.WriteString("\n")
}

func (a *Assembler) writeFinancing(b *strings.Builder) {
	f := a.kn.Financing
	if f.RatePercent == 0 {
		return
	}
	terms := make([]string, len(f.TermMonths))
	for i, t := range f.TermMonths {
		terms[i] = fmt.Sprintf("%d", t)
	}
	fmt.Fprintf(b, "## Financing (authoritative)\n%.2f%% APR, terms %s months, on purchases of $%.0f or more. Never quote financing below that floor.\n\n",
		f.RatePercent, strings.Join(terms, "/"), f.MinPrice)
}

func (a *Assembler) writeSubject(b *strings.Builder, s *Subject) {
	fmt.Fprintf(b, "## Motor in view\nThe customer is currently looking at the %s", s.Model)
	if s.HP > 0 {
		fmt.Fprintf(b, " (%d HP)", s.HP)
	}
	if s.Price > 0 {
		fmt.Fprintf(b, ", priced at $%.0f", s.Price)
		f := a.kn.Financing
		if term := f.LongestTerm(); term > 0 && s.Price >= f.MinPrice {
			fmt.Fprintf(b, " or $%.0f/mo for %d months at %.2f%% APR",
				f.MonthlyPayment(s.Price, term), term, f.RatePercent)
		}
	}
	b.WriteString(". Unqualified questions refer to this motor.\n\n")
}

func (a *Assembler) writeCommandRules(b *strings.Builder) {
	b.WriteString(`## Commands
When the customer shares contact details or asks for a text, a price alert,
or financing, append exactly one matching command at the very end of your
reply, after all prose, as a single line:
[LEAD_CAPTURE: {"name":"...","phone":"...","email":"..."}]
[SEND_SMS: {"name":"...","phone":"...","content":"brochure|quote|spec_sheet"}]
[PRICE_ALERT: {"name":"...","phone":"...","motor_hp":150}]
[FINANCING_CTA: {"price":12161,"monthly":280,"term":60,"rate":7.99,"motorModel":"..."}]
Use only prices and payments that appear above. Never place a command
mid-sentence.
`)
}

// windowHistory keeps the most recent maxPairs user/assistant pairs.
// Oldest turns are dropped first and a pair is never split: the window
// always starts on a user message.
func windowHistory(history []*ai.Message, maxPairs int) []*ai.Message {
	if len(history) <= 2*maxPairs {
		return trimToPairStart(history)
	}
	return trimToPairStart(history[len(history)-2*maxPairs:])
}

// trimToPairStart drops leading messages until the window starts with a user
// message, so a truncated assistant reply never appears without its prompt.
func trimToPairStart(msgs []*ai.Message) []*ai.Message {
	for i, m := range msgs {
		if m.Role == ai.RoleUser {
			return msgs[i:]
		}
	}
	return nil
}
