package partners

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
default_rate: "2"
default_lock: tier1
default_link_template: "https://go.example.com/{partner}?sub1={token}"
partners:
  - id: cd34-partner
    name: Coffee Co
    rate: "50"
    lock: tier1
  - id: books
    name: Books Inc
    rate: "0.5"
    lock: none
    link_template: "https://books.example.com/r?t={token}"
  - id: travel
    lock: tier2
`

func TestParse(t *testing.T) {
	config, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.True(t, config.Rate("cd34-partner").Equal(decimal.NewFromInt(50)))
	assert.True(t, config.Rate("books").Equal(decimal.RequireFromString("0.5")))
	assert.True(t, config.Rate("travel").Equal(decimal.NewFromInt(2)))
	assert.True(t, config.Rate("unknown").Equal(decimal.NewFromInt(2)))

	assert.Equal(t, LockTier1, config.LockPolicy("cd34-partner"))
	assert.Equal(t, LockNone, config.LockPolicy("books"))
	assert.Equal(t, LockTier2, config.LockPolicy("travel"))
	assert.Equal(t, LockTier1, config.LockPolicy("unknown"))

	assert.Equal(t, "https://books.example.com/r?t=tgn_a_b_c", config.Link("books", "tgn_a_b_c"))
	assert.Equal(t, "https://go.example.com/travel?sub1=tgn_a_b_c", config.Link("travel", "tgn_a_b_c"))
	assert.Len(t, config.Partners(), 3)
}

func TestParseDefaultsWhenEmpty(t *testing.T) {
	config, err := Parse([]byte(`partners: []`))
	require.NoError(t, err)
	assert.True(t, config.DefaultRate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, LockTier1, config.DefaultLock)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero rate", "partners:\n  - id: a\n    rate: \"0\"\n"},
		{"negative default", "default_rate: \"-1\"\n"},
		{"bad lock", "partners:\n  - id: a\n    lock: forever\n"},
		{"missing id", "partners:\n  - name: nameless\n"},
		{"duplicate id", "partners:\n  - id: a\n  - id: a\n"},
		{"not yaml", "partners: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partners.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	config, err := Load(path)
	require.NoError(t, err)
	partner, ok := config.Lookup("cd34-partner")
	require.True(t, ok)
	assert.Equal(t, "Coffee Co", partner.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
