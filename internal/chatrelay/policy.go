package chatrelay

import (
	"time"
)

// Policy bounds how long a webhook waits for a reply. PollBudgets is indexed
// by delivery attempt (first attempt first); the last entry applies to every
// later attempt.
type Policy struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollBudgets       []int         `mapstructure:"poll_budgets"`
	OwnerWait         time.Duration `mapstructure:"owner_wait"`
	LinkAfterAttempt  int           `mapstructure:"link_after_attempt"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

func DefaultPolicy() Policy {
	return Policy{
		PollInterval:      time.Second,
		PollBudgets:       []int{4, 3, 2},
		OwnerWait:         4 * time.Second,
		LinkAfterAttempt:  3,
		CompletionTimeout: 90 * time.Second,
		StaleAfter:        5 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = defaults.PollInterval
	}
	budgets := make([]int, 0, len(p.PollBudgets))
	for _, budget := range p.PollBudgets {
		if budget < 0 {
			budget = 0
		}
		budgets = append(budgets, budget)
	}
	if len(budgets) == 0 {
		budgets = defaults.PollBudgets
	}
	p.PollBudgets = budgets
	if p.OwnerWait <= 0 {
		p.OwnerWait = defaults.OwnerWait
	}
	if p.LinkAfterAttempt <= 0 {
		p.LinkAfterAttempt = defaults.LinkAfterAttempt
	}
	if p.CompletionTimeout <= 0 {
		p.CompletionTimeout = defaults.CompletionTimeout
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = defaults.StaleAfter
	}
	return p
}

func (p Policy) PollBudget(attempt int) int {
	if len(p.PollBudgets) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.PollBudgets) {
		return p.PollBudgets[len(p.PollBudgets)-1]
	}
	return p.PollBudgets[attempt-1]
}

func (p Policy) LinkEligible(attempt int) bool {
	return p.LinkAfterAttempt > 0 && attempt >= p.LinkAfterAttempt
}
