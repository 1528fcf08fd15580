package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// planShapeRe detects a structured plan leaking into a fast-path text
// reply as a JSON fragment.
var planShapeRe = regexp.MustCompile(`"(steps|gear|action)"\s*:`)

// deferredActionPhrases are "I already did X" claims. A fast-path reply
// takes no actions, so any of these means the planner hallucinated work.
var deferredActionPhrases = []string{
	"i've already",
	"i already",
	"i have already",
	"i've gone ahead",
	"i went ahead and",
	"i've completed",
	"i have completed",
	"i've saved",
	"i've created",
	"i've sent",
	"i've deleted",
	"has been completed",
	"has been saved",
	"task is done",
}

// inabilityPhrases are "I cannot access" claims, checked only when
// tools are actually available.
var inabilityPhrases = []string{
	"i cannot access",
	"i can't access",
	"i don't have access",
	"i do not have access",
	"i'm unable to access",
	"i am unable to access",
	"i cannot browse",
	"i can't browse",
	"i don't have the ability",
	"i do not have the ability",
}

// VerifyFastPath applies the structural checks a fast-path text reply
// must pass: no embedded plan JSON, no mention of a registered tool,
// no deferred-action claims, and, when tools are available, no
// inability claims.
func VerifyFastPath(text string, catalog []string) error {
	if planShapeRe.MatchString(text) {
		return fmt.Errorf("fast-path reply contains plan-shaped JSON")
	}

	lower := strings.ToLower(text)
	for _, gear := range catalog {
		if gear == "" {
			continue
		}
		if containsWord(lower, strings.ToLower(gear)) {
			return fmt.Errorf("fast-path reply references tool %q", gear)
		}
	}
	for _, phrase := range deferredActionPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Errorf("fast-path reply claims completed action: %q", phrase)
		}
	}
	if len(catalog) > 0 {
		for _, phrase := range inabilityPhrases {
			if strings.Contains(lower, phrase) {
				return fmt.Errorf("fast-path reply claims inability with tools available: %q", phrase)
			}
		}
	}
	return nil
}

// containsWord reports whether needle appears in haystack bounded by
// non-identifier characters, so "mail" does not match "email".
func containsWord(haystack, needle string) bool {
	for start := 0; ; {
		i := strings.Index(haystack[start:], needle)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(needle)
		beforeOK := i == 0 || !isWordByte(haystack[i-1])
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
