// Package reward turns review texts and human decisions into numeric signals.
// Scores are advisory: they feed the reward log and never gate persistence or
// status derivation.
package reward

import "strings"

// Rule is one entry in the review scoring table. Rules are additive: every
// rule that matches contributes its weight.
type Rule struct {
	Name   string
	Match  func(review string) bool
	Weight float64
}

func keyword(kw string) func(string) bool {
	return func(review string) bool {
		return strings.Contains(strings.ToLower(review), kw)
	}
}

func shorterThan(n int) func(string) bool {
	return func(review string) bool { return len(review) < n }
}

func longerThan(n int) func(string) bool {
	return func(review string) bool { return len(review) > n }
}

// ReviewRules is the scoring table applied by ScoreReview. Kept as data so the
// rule set can be tested and replaced without touching orchestration.
var ReviewRules = []Rule{
	{Name: "excellent", Match: keyword("excellent"), Weight: 1.0},
	{Name: "perfect", Match: keyword("perfect"), Weight: 1.0},
	{Name: "no errors", Match: keyword("no errors"), Weight: 1.0},
	{Name: "good", Match: keyword("good"), Weight: 0.5},
	{Name: "well done", Match: keyword("well done"), Weight: 0.5},
	{Name: "minor issues", Match: keyword("minor issues"), Weight: -0.2},
	{Name: "small improvements", Match: keyword("small improvements"), Weight: -0.2},
	{Name: "major issues", Match: keyword("major issues"), Weight: -1.0},
	{Name: "incoherent", Match: keyword("incoherent"), Weight: -1.0},
	{Name: "significant errors", Match: keyword("significant errors"), Weight: -1.0},
	{Name: "too short", Match: shorterThan(50), Weight: -0.1},
	{Name: "too verbose", Match: longerThan(1000), Weight: -0.05},
}

// ScoreReview sums the weights of every rule matching the review text.
func ScoreReview(review string) float64 {
	var score float64
	for _, r := range ReviewRules {
		if r.Match(review) {
			score += r.Weight
		}
	}
	return score
}

// Fixed scores for human decisions. Detailed revision feedback softens the
// penalty: it gives the writer a clearer path to improvement.
const (
	approvedReward        = 5.0
	revisionPenalty       = -2.0
	detailedFeedbackBonus = 0.5
	detailedFeedbackLen   = 20
)

// ScoreHumanAction maps a human decision (and its optional feedback) to a
// reward. Unknown actions score zero.
func ScoreHumanAction(action, feedback string) float64 {
	switch action {
	case "approved":
		return approvedReward
	case "revision_requested":
		score := revisionPenalty
		if len(feedback) > detailedFeedbackLen {
			score += detailedFeedbackBonus
		}
		return score
	}
	return 0.0
}
