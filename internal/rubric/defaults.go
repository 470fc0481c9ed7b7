package rubric

import "github.com/forecastly/dealreview/internal/meddpicc"

// DefaultQuestionPack is the built-in fallback question text used when an
// org has no question pack configured for a category.
func DefaultQuestionPack(category meddpicc.Category) QuestionPack {
	switch category {
	case meddpicc.Pain:
		return QuestionPack{
			Primary: "What business problem is driving this deal, and what happens if they do nothing?",
			Clarifiers: []string{
				"Who feels that pain most acutely?",
				"Is the pain quantified in their own words?",
			},
		}
	case meddpicc.Metrics:
		return QuestionPack{
			Primary: "What measurable outcomes has the customer committed to achieving with this purchase?",
			Clarifiers: []string{
				"Have they stated a number, a percentage, or a deadline?",
			},
		}
	case meddpicc.Champion:
		return QuestionPack{
			Primary: "Who is your Internal Sponsor, and what have they actually done for you inside the account?",
			Clarifiers: []string{
				"Do they have influence with the buying group?",
				"Have they sold on your behalf when you were not in the room?",
			},
		}
	case meddpicc.EconomicBuyer:
		return QuestionPack{
			Primary: "Who owns the budget for this purchase, and have you met with them directly?",
		}
	case meddpicc.DecisionCriteria:
		return QuestionPack{
			Primary: "What criteria will they use to choose a vendor, and did you help shape them?",
		}
	case meddpicc.DecisionProcess:
		return QuestionPack{
			Primary: "Walk me through their decision process — who signs off, in what order, by when?",
		}
	case meddpicc.PaperProcess:
		return QuestionPack{
			Primary: "What does their paper process look like — legal, security, procurement — and where are you in it?",
		}
	case meddpicc.Competition:
		return QuestionPack{
			Primary: "Who else are they evaluating, and why do you win against them?",
		}
	case meddpicc.Timing:
		return QuestionPack{
			Primary: "What is driving the timeline — is there a compelling event behind the close date?",
		}
	case meddpicc.Budget:
		return QuestionPack{
			Primary: "Is budget confirmed for this purchase, and who confirmed it?",
		}
	}
	return QuestionPack{Primary: "What's the latest on " + category.SpokenName() + "?"}
}
