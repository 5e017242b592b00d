package dnsinspect

import (
	"testing"

	"github.com/miekg/dns"
)

func packFor(name string) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	raw, err := m.Pack()
	if err != nil {
		panic(err)
	}
	return raw
}

func TestExtractQueryName(t *testing.T) {
	raw := packFor("example.com")
	name, ok := ExtractQueryName(raw)
	if !ok {
		t.Fatal("expected ok=true for a well-formed query")
	}
	if name != "example.com" {
		t.Errorf("expected 'example.com', got %q", name)
	}
}

func TestExtractQueryName_Malformed(t *testing.T) {
	if _, ok := ExtractQueryName([]byte{0x01, 0x02}); ok {
		t.Error("expected ok=false for a truncated packet")
	}
}

func TestIsDGADomain(t *testing.T) {
	cases := map[string]bool{
		"asdkjhqwlekjhasdlkjh.com": true,
		"a1b2c3d4e5f6a7b8c9d0.net": true,
		"zzxxccvvbbnnmm.org":       true,
		"google.com":               false,
		"facebook.com":             false,
		"example.org":              false,
	}
	for domain, want := range cases {
		if got := IsDGADomain(domain); got != want {
			t.Errorf("IsDGADomain(%q) = %v, want %v", domain, got, want)
		}
	}
}

func TestShannonEntropy(t *testing.T) {
	if e := ShannonEntropy("aaaaaaa"); e >= 1.0 {
		t.Errorf("expected low entropy for repetitive string, got %v", e)
	}
	if e := ShannonEntropy("aB3xY9zQ"); e <= 2.5 {
		t.Errorf("expected high entropy for randomized string, got %v", e)
	}
}
