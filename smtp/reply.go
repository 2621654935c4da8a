package smtp

import (
	"fmt"
	"strings"
)

// enhancedCodes is the RFC 3463 numeric-code → dotted-code table for the
// codes this core actually emits (spec.md §4.4 "Reply building").
var enhancedCodes = map[int]string{
	211: "2.0.0",
	214: "2.0.0",
	220: "2.0.0",
	221: "2.0.0",
	235: "2.7.0",
	250: "2.0.0",
	251: "2.1.5",
	252: "2.0.0",
	354: "2.0.0",
	421: "4.4.2",
	450: "4.2.0",
	451: "4.3.0",
	452: "4.2.2",
	500: "5.5.2",
	501: "5.5.4",
	502: "5.5.1",
	503: "5.5.1",
	504: "5.5.4",
	530: "5.7.0",
	535: "5.7.8",
	538: "5.7.11",
	550: "5.1.1",
	552: "5.2.2",
	553: "5.1.3",
	554: "5.7.1",
}

// contextualCodes lets a handler pin a more specific enhanced code than
// the numeric-code table would give (spec.md §4.4 rule 1: "explicit
// contextual code ... overrides the table").
var contextualCodes = map[string]string{
	"MAIL_FROM_OK":  "2.1.0",
	"RCPT_TO_OK":    "2.1.5",
	"DATA_OK":       "2.6.0",
	"AUTH_REQUIRED": "5.7.0",
}

// enhancedStatusCode resolves the dotted code for a reply per spec.md
// §4.4: explicit contextual tag first, then the numeric table, then a
// first-digit fallback.
func enhancedStatusCode(code int, contextTag string) string {
	if contextTag != "" {
		if c, ok := contextualCodes[contextTag]; ok {
			return c
		}
	}
	if c, ok := enhancedCodes[code]; ok {
		return c
	}
	switch code / 100 {
	case 2:
		return "2.0.0"
	case 4:
		return "4.0.0"
	default:
		return "5.0.0"
	}
}

var ehloFamily = map[string]bool{"EHLO": true, "HELO": true, "LHLO": true}

// buildReply composes the wire text of a reply: lines[0] is mandatory;
// additional lines make it multi-line ("NNN-" on all but the last,
// "NNN " on the last). contextTag, when non-empty, picks a specific
// enhanced code; pass "" to fall back to the numeric table. command is
// the dispatched verb, used only to suppress enhanced codes for the EHLO
// family.
func (cfg Config) buildReply(code int, command, contextTag string, lines ...string) string {
	if len(lines) == 0 {
		lines = []string{""}
	}
	useEnhanced := !cfg.Hide.ENHANCEDSTATUSCODES && code/100 != 3 && !ehloFamily[strings.ToUpper(command)]
	var b strings.Builder
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		text := line
		if useEnhanced {
			dotted := enhancedStatusCode(code, contextTag)
			if text == "" {
				text = dotted
			} else {
				text = dotted + " " + text
			}
		}
		fmt.Fprintf(&b, "%d%c%s\r\n", code, sep, text)
	}
	return b.String()
}
