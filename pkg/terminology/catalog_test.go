package terminology

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestShippedCatalogMatchesDefault(t *testing.T) {
	loaded, err := Load(filepath.Join("..", "..", "config", "drugs.yaml"))
	if err != nil {
		t.Fatalf("load shipped catalog: %v", err)
	}
	def := DefaultCatalog()

	if len(loaded.Drugs) != len(def.Drugs) {
		t.Fatalf("expected %d drugs, got %d", len(def.Drugs), len(loaded.Drugs))
	}
	for name, want := range def.Drugs {
		got, ok := loaded.Drug(name)
		if !ok {
			t.Fatalf("drug %s missing from shipped catalog", name)
		}
		if got.Group != want.Group || got.CanonicalUnit != want.CanonicalUnit || got.Ceiling != want.Ceiling {
			t.Fatalf("drug %s differs: got %+v want %+v", name, got, want)
		}
		if got.HourlyCap == nil || *got.HourlyCap != *want.HourlyCap {
			t.Fatalf("drug %s hourly cap differs", name)
		}
	}
	if len(loaded.Units.Time) != 2 || !loaded.Units.Time[0].Matches("mg/hr") {
		t.Fatalf("time rules not compiled: %+v", loaded.Units.Time)
	}
	if loaded.Equivalents["ne_eq"]["vasopressin"] != 2.5 {
		t.Fatalf("unexpected ne_eq weights %v", loaded.Equivalents["ne_eq"])
	}
}

func TestLimitResolution(t *testing.T) {
	weight := 80.0

	propofol, _ := DefaultCatalog().Drug("Propofol")
	perMinute, ok := propofol.Ceiling.PerMinute(&weight)
	if !ok {
		t.Fatal("expected weight-scaled ceiling to resolve")
	}
	if want := 4000.0 / 60.0 * 80.0; math.Abs(perMinute-want) > 1e-9 {
		t.Fatalf("expected %v mcg/min, got %v", want, perMinute)
	}
	if _, ok := propofol.Ceiling.PerMinute(nil); ok {
		t.Fatal("expected weight-scaled ceiling to need a weight")
	}

	vaso, _ := DefaultCatalog().Drug("vasopressin")
	perHour, ok := vaso.HourlyCap.PerHour(nil)
	if !ok || perHour != 3 {
		t.Fatalf("expected vasopressin hourly cap 3 units, got %v (%v)", perHour, ok)
	}
	if vaso.TotalUnit() != "units" {
		t.Fatalf("unexpected total unit %q", vaso.TotalUnit())
	}
}

func TestLoadRejectsBadPattern(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drugs.yaml")
	content := []byte("units:\n  time:\n    - pattern: '/h('\n      minutes_per_unit: 60\ndrugs:\n  fentanyl:\n    canonical_unit: mcg/min\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid pattern to fail loading")
	}
}

func TestDrugsInGroup(t *testing.T) {
	vaso := DefaultCatalog().DrugsInGroup(GroupVasoactive)
	if len(vaso) != 7 {
		t.Fatalf("expected 7 vasoactive drugs, got %v", vaso)
	}
	if vaso[0] != "angiotensin" {
		t.Fatalf("expected sorted names, got %v", vaso)
	}
}
