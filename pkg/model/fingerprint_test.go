package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStableUnderNormalization(t *testing.T) {
	a := CompanyProfile{
		Name:             "Acme Corp",
		Industry:         "Healthcare",
		Employees:        1200,
		Jurisdiction:     "EU",
		TechStack:        []string{"AWS", "kubernetes"},
		DeclaredControls: []string{"A.1", "CC2"},
	}
	b := CompanyProfile{
		Name:             "  Acme Corp  ",
		Industry:         "healthcare",
		Employees:        1200,
		Jurisdiction:     "eu",
		TechStack:        []string{"Kubernetes", "aws", "AWS"},
		DeclaredControls: []string{"cc2", "a.1"},
	}

	fpA := Fingerprint(a, []string{"soc2", "iso"}, 7)
	fpB := Fingerprint(b, []string{"iso", "soc2"}, 7)
	assert.Equal(t, fpA, fpB)
	assert.Len(t, fpA, 64) // sha-256 hex
}

func TestFingerprintSensitivity(t *testing.T) {
	p := CompanyProfile{Name: "Acme", Industry: "retail", Employees: 10}
	base := Fingerprint(p, []string{"iso"}, 1)

	assert.NotEqual(t, base, Fingerprint(p, []string{"iso"}, 2), "snapshot version must change the fingerprint")
	assert.NotEqual(t, base, Fingerprint(p, []string{"iso", "soc2"}, 1), "framework set must change the fingerprint")

	p2 := p
	p2.Employees = 11
	assert.NotEqual(t, base, Fingerprint(p2, []string{"iso"}, 1), "profile changes must change the fingerprint")
}

func TestNormalizedProfile(t *testing.T) {
	p := CompanyProfile{
		Name:             " Acme ",
		Industry:         "Finance",
		Jurisdiction:     "US",
		TechStack:        []string{"GCP", "gcp", "", "Terraform"},
		DeclaredControls: []string{"B.2", "A.1"},
	}
	n := p.Normalized()
	assert.Equal(t, "Acme", n.Name)
	assert.Equal(t, "finance", n.Industry)
	assert.Equal(t, "us", n.Jurisdiction)
	assert.Equal(t, []string{"gcp", "terraform"}, n.TechStack)
	assert.Equal(t, []string{"a.1", "b.2"}, n.DeclaredControls)
}
