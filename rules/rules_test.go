package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_Tracking(t *testing.T) {
	r := Default()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://stats.example.com/matomo.php?id=1", true},
		{"https://www.Google-Analytics.com/collect", true},
		{"https://cdn.example.com/logo.png", false},
		{"https://example.com/open.aspx?u=1", true},
	}

	for _, tt := range tests {
		if got := r.IsTracking(tt.url); got != tt.want {
			t.Errorf("IsTracking(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestDefault_Dev(t *testing.T) {
	r := Default()
	if !r.IsDev("staging.shop.example.com") {
		t.Error("expected staging host to be dev")
	}
	if !r.IsDev("localhost") {
		t.Error("expected localhost to be dev")
	}
	if r.IsDev("www.example.com") {
		t.Error("expected production host not to be dev")
	}
}

func TestDefault_PlatformOrder(t *testing.T) {
	r := Default()
	if len(r.Platforms) == 0 || r.Platforms[0].Name != "Salesforce" {
		t.Fatalf("expected Salesforce first, got %+v", r.Platforms)
	}
	if last := r.Platforms[len(r.Platforms)-1]; last.Name != "SendGrid" {
		t.Fatalf("expected SendGrid last, got %s", last.Name)
	}
}

func TestLoadFile_OverridesOnlyPresentTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `tracking_patterns:
  - "Beacon.Example"
platforms:
  - name: Acme Mail
    markers: ["acmemail"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(r.TrackingPatterns) != 1 || r.TrackingPatterns[0] != "beacon.example" {
		t.Errorf("TrackingPatterns = %v", r.TrackingPatterns)
	}
	if len(r.Platforms) != 1 || r.Platforms[0].Name != "Acme Mail" {
		t.Errorf("Platforms = %+v", r.Platforms)
	}
	if len(r.LazyAttributes) != len(Default().LazyAttributes) {
		t.Errorf("LazyAttributes should keep defaults, got %v", r.LazyAttributes)
	}
}

func TestLoadFile_Empty(t *testing.T) {
	r, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(r.TrackingPatterns) == 0 {
		t.Error("expected default tables")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
