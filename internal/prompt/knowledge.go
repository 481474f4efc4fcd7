// Package prompt assembles the instruction payload for a conversation turn.
//
// Business facts live in a versioned knowledge document loaded once at
// process start. Every number the model may state as fact (prices, rebates,
// monthly payments, stock) is computed here in Go and written into the
// assembled text; the model is never asked to do arithmetic on raw tables.
package prompt

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoVersion indicates the knowledge document has no version stamp.
	ErrNoVersion = errors.New("knowledge document missing version")

	// ErrNoPersona indicates the knowledge document has no persona rules.
	ErrNoPersona = errors.New("knowledge document missing persona")
)

// Knowledge is the dealership's business-fact document. Loaded once at
// startup and passed by reference into the Assembler so it can be swapped
// and tested independently.
type Knowledge struct {
	Version string `yaml:"version"`

	// Persona holds the static behavior rules for the assistant.
	Persona string `yaml:"persona"`

	Dealer     Dealer          `yaml:"dealer"`
	Promotions []Promotion     `yaml:"promotions"`
	Inventory  []InventoryLine `yaml:"inventory"`
	Financing  FinancingTerms  `yaml:"financing"`
}

// Dealer identifies the dealership in prompts and fallback messages.
type Dealer struct {
	Name     string `yaml:"name"`
	Phone    string `yaml:"phone"`
	Hours    string `yaml:"hours"`
	Location string `yaml:"location"`
}

// Promotion is one active rebate on a motor model.
type Promotion struct {
	Model     string  `yaml:"model"`
	ListPrice float64 `yaml:"list_price"`
	Rebate    float64 `yaml:"rebate"`
}

// FinalPrice is the list price after rebate.
func (p Promotion) FinalPrice() float64 {
	return p.ListPrice - p.Rebate
}

// InventoryLine is one stocked motor model.
type InventoryLine struct {
	Model     string  `yaml:"model"`
	HP        int     `yaml:"hp"`
	ListPrice float64 `yaml:"list_price"`
	Stock     int     `yaml:"stock"`
}

// FinancingTerms are the dealership's first-party financing facts.
type FinancingTerms struct {
	RatePercent float64 `yaml:"rate_percent"`
	TermMonths  []int   `yaml:"term_months"`

	// MinPrice is the floor below which financing is never offered.
	MinPrice float64 `yaml:"min_price"`
}

// MonthlyPayment computes the standard amortized payment for a price over
// the given term at the configured annual rate, rounded to the nearest
// dollar. Returns 0 for non-positive inputs.
func (f FinancingTerms) MonthlyPayment(price float64, termMonths int) float64 {
	if price <= 0 || termMonths <= 0 {
		return 0
	}
	r := f.RatePercent / 100 / 12
	if r == 0 {
		return math.Round(price / float64(termMonths))
	}
	factor := math.Pow(1+r, float64(termMonths))
	return math.Round(price * r * factor / (factor - 1))
}

// LongestTerm returns the longest configured financing term, or 0.
func (f FinancingTerms) LongestTerm() int {
	longest := 0
	for _, t := range f.TermMonths {
		if t > longest {
			longest = t
		}
	}
	return longest
}

// LoadKnowledge reads and validates the knowledge document at path.
func LoadKnowledge(path string) (*Knowledge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge document: %w", err)
	}
	return ParseKnowledge(data)
}

// ParseKnowledge decodes and validates a knowledge document.
func ParseKnowledge(data []byte) (*Knowledge, error) {
	var kn Knowledge
	if err := yaml.Unmarshal(data, &kn); err != nil {
		return nil, fmt.Errorf("parse knowledge document: %w", err)
	}
	if kn.Version == "" {
		return nil, ErrNoVersion
	}
	if kn.Persona == "" {
		return nil, ErrNoPersona
	}
	return &kn, nil
}
