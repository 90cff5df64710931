// Package category maps item display names to one of a closed set of categories.
//
// Classification is an ordered rule list: the first rule whose predicate
// matches wins, and Weapon is the fallback. Matching is case-insensitive and
// uses ASCII word boundaries so results do not depend on locale.
package category

import (
	"regexp"
	"strings"

	"github.com/rewired-gh/marketmovers/internal/models"
)

// Predicate reports whether a lowercase item name satisfies a rule.
type Predicate interface {
	Match(name string) bool
}

// Contains matches when the token appears anywhere in the name.
type Contains string

func (c Contains) Match(name string) bool {
	return strings.Contains(name, string(c))
}

// Words matches when any of its phrases appears as whole words.
type Words struct {
	re *regexp.Regexp
}

// NewWords builds a whole-word predicate over the given phrases.
func NewWords(phrases ...string) Words {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(p))
	}
	return Words{re: regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

func (w Words) Match(name string) bool {
	return w.re.MatchString(name)
}

// Rule assigns Category when Include matches and Exclude (if set) does not.
type Rule struct {
	Category models.Category
	Include  Predicate
	Exclude  Predicate
}

func (r Rule) matches(name string) bool {
	if !r.Include.Match(name) {
		return false
	}
	return r.Exclude == nil || !r.Exclude.Match(name)
}

// Classifier applies rules in priority order.
type Classifier struct {
	rules    []Rule
	fallback models.Category
}

// New creates a classifier from ordered rules.
func New(fallback models.Category, rules ...Rule) *Classifier {
	return &Classifier{rules: rules, fallback: fallback}
}

// Default returns the sticker > case > weapon classifier.
func Default() *Classifier {
	return New(models.CategoryWeapon,
		Rule{
			Category: models.CategorySticker,
			Include:  Contains("sticker"),
		},
		Rule{
			Category: models.CategoryCase,
			Include:  NewWords("case", "capsule", "package", "souvenir package", "collection", "graffiti box"),
			Exclude:  NewWords("case hardened", "case-hardened", "casehardened"),
		},
	)
}

// Classify returns the category of the first matching rule.
func (c *Classifier) Classify(name string) models.Category {
	lower := asciiLower(name)
	for _, r := range c.rules {
		if r.matches(lower) {
			return r.Category
		}
	}
	return c.fallback
}

// asciiLower folds only A-Z so non-ASCII names are never rewritten.
func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

var defaultClassifier = Default()

// Classify uses the default rule set.
func Classify(name string) models.Category {
	return defaultClassifier.Classify(name)
}
