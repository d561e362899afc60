package credits

// Allocate splits a debit of amount across the account's pools. Monthly
// drains first (use-it-or-lose-it), then rollover (shorter remaining
// lifetime), then purchased (never expires, preserved longest). A later pool
// is never touched while an earlier pool has capacity left.
func Allocate(amount Credits, account CreditAccount) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, ErrInvalidAmount
	}
	available := account.Balance()
	if available < amount {
		return Breakdown{}, InsufficientCreditsError{Required: amount, Available: available}
	}
	var breakdown Breakdown
	remaining := amount

	breakdown.FromMonthly = minCredits(remaining, account.Monthly.Remaining())
	remaining -= breakdown.FromMonthly

	breakdown.FromRollover = minCredits(remaining, account.Rollover.Amount)
	remaining -= breakdown.FromRollover

	breakdown.FromPurchased = minCredits(remaining, account.Purchased.Amount)
	remaining -= breakdown.FromPurchased

	if remaining != 0 {
		return Breakdown{}, InsufficientCreditsError{Required: amount, Available: available}
	}
	return breakdown, nil
}

func minCredits(a, b Credits) Credits {
	if a < b {
		return a
	}
	return b
}
