package domain

import "fmt"

// DecisionKind tags the variant held by a Decision.
type DecisionKind int

const (
	DecisionDenied DecisionKind = iota
	DecisionApproved
)

// Score band limits, inclusive on both ends.
const (
	MinScore          = 0
	MaxScore          = 1000
	deniedUpperBound  = 100
	oneCardUpperBound = 500
)

// MaxCardsPerApproval is the largest card count any score band grants.
const MaxCardsPerApproval = 2

// Decision is the outcome of scoring a proposal. Cards is only meaningful
// for approved decisions and is always zero for denied ones.
type Decision struct {
	Kind  DecisionKind
	Cards int
}

// Denied returns the denied decision.
func Denied() Decision {
	return Decision{Kind: DecisionDenied}
}

// Approved returns an approval for the given number of cards.
func Approved(cards int) Decision {
	return Decision{Kind: DecisionApproved, Cards: cards}
}

// Status maps the decision onto the proposal status it produces.
func (d Decision) Status() ProposalStatus {
	if d.Kind == DecisionApproved {
		return ProposalStatusApproved
	}
	return ProposalStatusDenied
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionApproved:
		return fmt.Sprintf("approved(%d)", d.Cards)
	default:
		return "denied"
	}
}

// EvaluateScore maps a credit score onto a decision:
//
//	[0,100]   denied, no cards
//	[101,500] approved, one card
//	[501,∞)   approved, two cards
//
// Negative scores are denied.
func EvaluateScore(score int) Decision {
	switch {
	case score < MinScore:
		return Denied()
	case score <= deniedUpperBound:
		return Denied()
	case score <= oneCardUpperBound:
		return Approved(1)
	default:
		return Approved(MaxCardsPerApproval)
	}
}
