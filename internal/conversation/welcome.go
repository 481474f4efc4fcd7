package conversation

import (
	"fmt"

	"github.com/wakeside/skipper/internal/prompt"
)

// welcomeFor derives the assistant's opening line from the current page
// category and the product in view.
func welcomeFor(kn *prompt.Knowledge, page string, subject *prompt.Subject) string {
	if subject != nil && subject.Model != "" {
		return fmt.Sprintf("Welcome to %s! I see you're looking at the %s. Happy to answer anything about it, or run the numbers for you.",
			kn.Dealer.Name, subject.Model)
	}

	switch page {
	case "repower":
		return fmt.Sprintf("Welcome to %s! Thinking about repowering? Tell me about your boat and I'll help you find the right motor.",
			kn.Dealer.Name)
	case "financing":
		return fmt.Sprintf("Welcome to %s! I can walk you through financing options and monthly payments on any motor we stock.",
			kn.Dealer.Name)
	case "quote":
		return fmt.Sprintf("Welcome to %s! Want a quote? Tell me which motor you have in mind and I'll get you started.",
			kn.Dealer.Name)
	default:
		return fmt.Sprintf("Welcome to %s! Ask me anything about our outboards, pricing, or current promotions.",
			kn.Dealer.Name)
	}
}
