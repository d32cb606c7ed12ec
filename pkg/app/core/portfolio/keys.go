package portfolio

import "fmt"

// Pebble key schema
//   pf:{run}:{participant} → Portfolio (JSON)
//
// Prefix-based so a whole run can be loaded with one range scan.

const prefixPortfolio = "pf:"

// portfolioKey returns the key for one participant's portfolio in a run
// Format: "pf:{run}:{participant}"
func portfolioKey(run, participant string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPortfolio, run, participant))
}

// portfolioPrefix returns the prefix for all portfolios of a run
// Format: "pf:{run}:"
func portfolioPrefix(run string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPortfolio, run))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: "pf:abc:" → "pf:abc;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
