package loyalty

// ResolveTier returns the name of the highest tier whose threshold is at or
// below lifetimeEarned, or NoTier. tiers may be in any order.
//
// Evaluated on every read; tiers are never stored on the account.
func ResolveTier(lifetimeEarned int64, tiers []Tier) string {
	var (
		best  Tier
		found bool
	)
	for _, t := range tiers {
		if t.PointsToReach > lifetimeEarned {
			continue
		}
		if !found || t.PointsToReach > best.PointsToReach ||
			(t.PointsToReach == best.PointsToReach && t.Name < best.Name) {
			best, found = t, true
		}
	}
	if !found {
		return NoTier
	}
	return best.Name
}
