package exchange

import "strings"

// SymbolResolver maps an application symbol onto the ordered identifiers the
// exchange may know it by.
//
// Equity-style instruments live under a namespace ("xyz:TSLA"). Non-production
// environments sometimes list an asset under a suffix-qualified alternate name;
// when AltSuffix is set that name is offered as the single retry candidate.
type SymbolResolver struct {
	EquityPrefix string
	Equities     map[string]struct{}
	AltSuffix    string
}

// NewSymbolResolver builds a resolver from a list of equity tickers.
func NewSymbolResolver(equityPrefix string, equities []string, altSuffix string) SymbolResolver {
	set := make(map[string]struct{}, len(equities))
	for _, e := range equities {
		set[strings.ToUpper(e)] = struct{}{}
	}
	return SymbolResolver{
		EquityPrefix: equityPrefix,
		Equities:     set,
		AltSuffix:    altSuffix,
	}
}

// Candidates returns the identifiers to try, primary first.
func (r SymbolResolver) Candidates(symbol string) []string {
	primary := symbol
	if r.EquityPrefix != "" && !strings.Contains(symbol, ":") {
		if _, ok := r.Equities[strings.ToUpper(symbol)]; ok {
			primary = r.EquityPrefix + ":" + symbol
		}
	}

	candidates := []string{primary}
	if r.AltSuffix != "" && !strings.HasSuffix(primary, r.AltSuffix) {
		candidates = append(candidates, primary+r.AltSuffix)
	}
	return candidates
}
