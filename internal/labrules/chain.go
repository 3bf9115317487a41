package labrules

import (
	"strings"

	"github.com/rs/zerolog"
)

// Chain applies an ordered rule list to every line of a message. Each rule
// sees the output of the previous one; a removed line is not offered to
// later rules.
type Chain struct {
	rules  []Rule
	logger zerolog.Logger
}

func NewChain(logger zerolog.Logger, rules ...Rule) *Chain {
	return &Chain{rules: rules, logger: logger}
}

// Rules returns the chain's rules in evaluation order.
func (c *Chain) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Normalize splits raw on EOL, runs every rule over each line and joins
// the surviving lines with EOL.
func (c *Chain) Normalize(raw string) string {
	lines := strings.Split(raw, EOL)
	header := ""
	for _, line := range lines {
		if strings.HasPrefix(line, "MSH") {
			header = line
			break
		}
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if normalized, keep := c.NormalizeLine(line, header); keep {
			out = append(out, normalized)
		}
	}
	return strings.Join(out, EOL)
}

// NormalizeLine runs the chain over one line of a message whose MSH
// segment is header. It returns false when a rule removed the line.
func (c *Chain) NormalizeLine(line, header string) (string, bool) {
	for _, r := range c.rules {
		if scoped, ok := r.(HeaderScoped); ok && !scoped.AppliesTo(header) {
			continue
		}
		if !r.Matches(line) {
			continue
		}
		next, keep := r.Transform(line)
		if !keep {
			c.logger.Debug().Str("rule", r.Name()).Str("segment", segmentName(line)).Msg("segment removed")
			return "", false
		}
		if next != line {
			c.logger.Debug().Str("rule", r.Name()).Str("segment", segmentName(line)).Msg("segment rewritten")
		}
		line = next
	}
	return line, true
}

func segmentName(line string) string {
	name, _, _ := strings.Cut(line, "|")
	return name
}
