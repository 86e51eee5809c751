package goals

import "strings"

// Environment names the delivery phase a goal belongs to. Environments carry
// a two character ordering scheme such as "0-" so they sort by phase.
type Environment string

const (
	IndependentOfEnvironment Environment = "0-code/"
	StagingEnvironment       Environment = "1-staging/"
	ProductionEnvironment    Environment = "2-prod/"
)

// WithoutScheme strips the ordering scheme, so "0-code/" becomes "code/".
func (e Environment) WithoutScheme() string {
	if len(e) < 2 {
		return string(e)
	}
	return string(e[2:])
}

// Slug is the environment without scheme, lowercased, trailing slash removed.
func (e Environment) Slug() string {
	return strings.TrimSuffix(strings.ToLower(e.WithoutScheme()), "/")
}

func (e Environment) String() string {
	return string(e)
}
