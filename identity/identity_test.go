package identity

import (
	"testing"

	"github.com/dhcgn/newsletter-archive/model"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"plain", "Sale!", "Sale!"},
		{"forward", "Fwd: Sale!", "Sale!"},
		{"repeated", "Fwd: Fwd: Re: Sale!", "Sale!"},
		{"bracketed", "[Fwd:] Sale!", "Sale!"},
		{"case insensitive", "RE: fw: Sale!", "Sale!"},
		{"german", "AW: WG: Angebot", "Angebot"},
		{"french", "TR: Offre", "Offre"},
		{"spacing", "  Re :  Sale!  ", "Sale!"},
		{"empty", "", Placeholder},
		{"only prefix", "Fwd:", Placeholder},
		{"word starting like a prefix", "Review of the week", "Review of the week"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSubject(tt.subject); got != tt.want {
				t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.subject, got, tt.want)
			}
		})
	}
}

func TestDerive_Stable(t *testing.T) {
	a := Derive(model.Header{Subject: "Fwd: Fwd: Sale!"}, PolicySubject)
	b := Derive(model.Header{Subject: "Re: Sale!"}, PolicySubject)
	c := Derive(model.Header{Subject: "Sale!"}, PolicySubject)
	if a != b || b != c {
		t.Fatalf("expected equal identities, got %s %s %s", a, b, c)
	}
	if !Valid(string(a)) {
		t.Fatalf("identity %q is not 12 lowercase hex chars", a)
	}
}

func TestDerive_Empty(t *testing.T) {
	a := Derive(model.Header{}, PolicySubject)
	b := Derive(model.Header{Subject: Placeholder}, PolicySubject)
	if a != b {
		t.Fatalf("empty subject should hash the placeholder: %s != %s", a, b)
	}
}

func TestDerive_StrictSeparatesDeliveries(t *testing.T) {
	h1 := model.Header{Subject: "Weekly", Date: "Mon, 1 Jan 2024 10:00:00 +0000", MessageID: "<a@x>"}
	h2 := model.Header{Subject: "Weekly", Date: "Mon, 8 Jan 2024 10:00:00 +0000", MessageID: "<b@x>"}

	if Derive(h1, PolicySubject) != Derive(h2, PolicySubject) {
		t.Error("subject policy should collapse deliveries with the same subject")
	}
	if Derive(h1, PolicyStrict) == Derive(h2, PolicyStrict) {
		t.Error("strict policy should keep deliveries apart")
	}
	if Derive(h1, PolicyStrict) != Derive(h1, PolicyStrict) {
		t.Error("strict policy must be deterministic")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicySubject {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if p, err := ParsePolicy("STRICT"); err != nil || p != PolicyStrict {
		t.Errorf("ParsePolicy(STRICT) = %v, %v", p, err)
	}
	if _, err := ParsePolicy("fuzzy"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestValid(t *testing.T) {
	if Valid("ABCDEF012345") {
		t.Error("uppercase should be invalid")
	}
	if Valid("abc") {
		t.Error("short should be invalid")
	}
	if !Valid("0123456789ab") {
		t.Error("expected valid identity")
	}
}
