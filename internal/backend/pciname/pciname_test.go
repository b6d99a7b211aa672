package pciname

import (
	"strings"
	"testing"

	"github.com/jaypipes/pcidb"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0x1002": "1002",
		"10DE":   "10de",
		" 0X8 ":  "0008",
		"":       "",
		"0x":     "",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	vendor, device := Split("10de:2684")
	if vendor != "10de" || device != "2684" {
		t.Fatalf("unexpected split %q %q", vendor, device)
	}
	if v, d := Split("garbage"); v != "" || d != "" {
		t.Fatalf("expected empty split for malformed id, got %q %q", v, d)
	}
}

func TestShouldReplace(t *testing.T) {
	t.Parallel()

	if ShouldReplace("anything", "") {
		t.Fatalf("empty resolved name must never win")
	}
	for _, current := range []string{"", "amdgpu", "nvidia", "PCI device 73df", "0x73df"} {
		if !ShouldReplace(current, "Navi 21") {
			t.Errorf("expected %q to be replaced", current)
		}
	}
	if ShouldReplace("NVIDIA GeForce RTX 4090", "AD102") {
		t.Fatalf("a real model name must be kept")
	}
}

func TestLookupUsesDatabase(t *testing.T) {
	t.Parallel()

	db, err := pcidb.New()
	if err != nil {
		t.Skipf("pcidb unavailable: %v", err)
	}

	const (
		vendorID = "1002"
		deviceID = "73bf"
	)
	product, ok := db.Products[strings.ToLower(vendorID+deviceID)]
	if !ok || product == nil || product.Name == "" {
		t.Skipf("pcidb missing product %s:%s", vendorID, deviceID)
	}

	if got := Lookup("0x1002", "0x73BF", "", ""); got != product.Name {
		t.Fatalf("expected %q, got %q", product.Name, got)
	}
}
