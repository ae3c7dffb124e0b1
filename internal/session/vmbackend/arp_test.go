package vmbackend

import "testing"

func TestNormalizeMAC(t *testing.T) {
	cases := []struct{ in, want string }{
		{"02:0a:01:00:0b:05", "2:a:1:0:b:5"},
		{"2:a:1:0:b:5", "2:a:1:0:b:5"},
		{"FF:FF:FF:FF:FF:FF", "ff:ff:ff:ff:ff:ff"},
	}
	for _, c := range cases {
		if got := normalizeMAC(c.in); got != c.want {
			t.Errorf("normalizeMAC(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeMAC_MatchesAcrossPadding(t *testing.T) {
	padded := "02:0a:01:00:0b:05"
	unpadded := "2:a:1:0:b:5"
	if normalizeMAC(padded) != normalizeMAC(unpadded) {
		t.Errorf("expected padded and unpadded MACs to normalize equal, got %q vs %q",
			normalizeMAC(padded), normalizeMAC(unpadded))
	}
}
