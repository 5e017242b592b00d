// Package dnsinspect extracts query names from captured DNS packets and
// flags names consistent with domain generation algorithms (DGA) used by
// malware command-and-control channels. Wire parsing is delegated to
// miekg/dns instead of hand-rolling label decompression, since the rest of
// the retrieved corpus (gravwell) already depends on it directly for this
// exact purpose.
package dnsinspect

import (
	"math"
	"strings"

	"github.com/miekg/dns"
)

// ExtractQueryName parses a raw DNS message and returns the name of its
// first question, if any. It returns ok=false for malformed packets or
// messages with no question section (e.g. pure responses forwarded without
// their query, which should not occur on the wire but are handled
// defensively since packet capture sees untrusted input).
func ExtractQueryName(packet []byte) (name string, ok bool) {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		return "", false
	}
	if len(msg.Question) == 0 {
		return "", false
	}
	return strings.TrimSuffix(msg.Question[0].Name, "."), true
}

// IsDGADomain applies the same three heuristics as the original DNS
// filter's domain-generation-algorithm detector: high Shannon entropy in
// the leading label, an implausible consonant ratio, or a long run of pure
// hex digits (seen in some DGA families that encode a seed as the
// subdomain).
func IsDGADomain(domain string) bool {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return false
	}
	subdomain := parts[0]

	if entropy := ShannonEntropy(subdomain); entropy > 4.0 && len(subdomain) > 10 {
		return true
	}

	if ratio := consonantRatio(subdomain); ratio > 0.8 && len(subdomain) > 8 {
		return true
	}

	if isAllHex(subdomain) && len(subdomain) > 12 {
		return true
	}

	return false
}

// ShannonEntropy computes the Shannon entropy, in bits, of s's character
// distribution.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	length := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func consonantRatio(s string) float64 {
	const vowels = "aeiouAEIOU"
	var consonants, alpha int
	for _, r := range s {
		if !isAlpha(r) {
			continue
		}
		alpha++
		if !strings.ContainsRune(vowels, r) {
			consonants++
		}
	}
	if alpha == 0 {
		return 0
	}
	return float64(consonants) / float64(alpha)
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isAllHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
