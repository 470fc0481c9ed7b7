// Package prompt assembles the per-turn natural-language instructions sent
// to the model. The turn engine independently enforces the rules encoded
// here; the instruction text exists to keep the model from tripping the
// enforcement in the first place.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/rubric"
	"github.com/forecastly/dealreview/internal/store"
)

// HealthSentence is the exact wrap sentence contract. The turn engine
// refuses to advance a deal until the assistant has spoken it verbatim.
func HealthSentence(percent int) string {
	return fmt.Sprintf("Your Deal Health Score is at %d percent.", percent)
}

var healthSentenceRe = regexp.MustCompile(`Your Deal Health Score is at (\d{1,3}) percent`)

// ContainsHealthSentence checks whether text carries the exact expected
// health sentence, via both literal substring and numeric regex match.
func ContainsHealthSentence(text string, percent int) bool {
	if strings.Contains(text, HealthSentence(percent)) {
		return true
	}
	for _, m := range healthSentenceRe.FindAllStringSubmatch(text, -1) {
		if m[1] == fmt.Sprintf("%d", percent) {
			return true
		}
	}
	return false
}

// CheckPattern returns the re-probe framing for a category given its prior
// score: score 3 asks whether anything changed, 1-2 asks about progress,
// 0 asks the primary question directly with no "last review" framing.
func CheckPattern(c meddpicc.Category, priorScore int, primary string) string {
	switch {
	case priorScore >= meddpicc.MaxScore:
		return fmt.Sprintf("Last time %s was solid. Has anything changed since your last review?", c.SpokenName())
	case priorScore >= 1:
		return fmt.Sprintf("Have we made progress on %s since your last review?", c.SpokenName())
	default:
		return primary
	}
}

// BuildTurnInstructions is a pure function producing the master instruction
// text for one deal's review turns.
func BuildTurnInstructions(
	deal *store.Opportunity,
	repFirstName string,
	totalDealsInQueue int,
	isFirstDeal bool,
	reviewed map[meddpicc.Category]bool,
	scoreDefs map[meddpicc.Category][]meddpicc.ScoreDefinition,
	packs map[meddpicc.Category]rubric.QuestionPack,
) string {
	var b strings.Builder

	b.WriteString("You are a sales deal-review coach conducting a spoken MEDDPICC review with ")
	b.WriteString(repFirstName)
	fmt.Fprintf(&b, ". There are %d deals in this review queue.\n\n", totalDealsInQueue)

	if isFirstDeal {
		fmt.Fprintf(&b, "Open by greeting %s briefly, then start on the first deal.\n\n", repFirstName)
	}

	fmt.Fprintf(&b, "CURRENT DEAL: %s (stage: %s", deal.Name, deal.ForecastStage)
	if deal.Amount > 0 {
		fmt.Fprintf(&b, ", amount: %.0f", deal.Amount)
	}
	if deal.CloseDate != nil {
		fmt.Fprintf(&b, ", close date: %s", deal.CloseDate.Format("2006-01-02"))
	}
	b.WriteString(")\n\n")

	order := meddpicc.OrderFor(deal.ForecastStage)
	b.WriteString("CATEGORY ORDER — follow it exactly:\n")
	for i, c := range order {
		status := "pending"
		if reviewed[c] {
			status = "done"
		}
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, c.SpokenName(), status)
	}
	b.WriteString("\nRULES:\n")
	b.WriteString("- Work through the categories strictly in the order above. Never reorder, never skip, never revisit a completed category unless the rep volunteers new information about it.\n")
	b.WriteString("- Cover exactly ONE category per save_deal_data call. Never combine two categories into one save, even if the rep's answer covers both. If an answer also touches a later category, acknowledge it briefly and score it when its turn comes.\n")
	b.WriteString("- After the rep gives a substantive answer for the current category, call save_deal_data for that category (score, evidence summary, coaching tip) before moving on.\n")
	b.WriteString("- Never reveal internal category scores or the scoring rubric to the rep.\n")
	b.WriteString("- Never say the word \"champion\" out loud; say \"Internal Sponsor\" instead.\n")
	b.WriteString("- Keep spoken turns short and conversational; one question at a time.\n\n")

	if gap, ok := meddpicc.FirstGap(deal.ForecastStage, reviewed); ok {
		fmt.Fprintf(&b, "NEXT CATEGORY: %s\n", gap.SpokenName())
		prior := deal.Categories[gap].Score
		pack := packs[gap]
		fmt.Fprintf(&b, "Ask: %q\n", CheckPattern(gap, prior, pack.Primary))
		for _, cl := range pack.Clarifiers {
			fmt.Fprintf(&b, "Clarifier if needed: %q\n", cl)
		}
		if defs := scoreDefs[gap]; len(defs) > 0 {
			b.WriteString("Internal scoring rubric for this category (never read aloud):\n")
			for _, d := range defs {
				fmt.Fprintf(&b, "  %d — %s: %s\n", d.Score, d.Label, d.Criteria)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("WRAP PROTOCOL — once every category above is done:\n")
	b.WriteString("1. Speak a short risk summary for the deal.\n")
	b.WriteString("2. Speak the deal health sentence exactly as: \"Your Deal Health Score is at {percent} percent.\"\n")
	b.WriteString("3. Speak the next steps.\n")
	b.WriteString("4. Call save_deal_data with BOTH risk_summary and next_steps filled in.\n")
	b.WriteString("5. Call advance_deal to move to the next deal.\n")

	return b.String()
}

// Hash fingerprints an instruction text so sessions can detect a prompt change.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
