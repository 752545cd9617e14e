package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	v := Default()
	require.NoError(t, v.Validate())
	assert.Len(t, v.UserIntent, 20)
	assert.Len(t, v.CandidateIntent, 16)
	assert.Equal(t, []string{"trust", "fraud", "legal", "compliance", "scam", "lawsuit", "unauthorized"}, v.SafetyTriggers)
	assert.Contains(t, v.ForbiddenSeedTerms, "willingness")
	assert.Contains(t, v.UserIntent, "crm")
}

func TestDefaultReturnsFreshCopy(t *testing.T) {
	t.Parallel()

	a := Default()
	a.UserIntent[0] = "changed"
	assert.NotEqual(t, "changed", Default().UserIntent[0])
}

func TestLoadOverride(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety_triggers:\n  - Recall\n  - recall\n  - ' breach '\n"), 0o600))

	v, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"recall", "breach"}, v.SafetyTriggers)
	assert.Equal(t, Default().UserIntent, v.UserIntent)
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()

	v, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), v)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("user_intent: [unclosed"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("user_intent: []\n"), 0o600))
	_, err = Load(empty)
	assert.ErrorContains(t, err, "user_intent is empty")
}

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		terms []string
		want  []string
	}{
		{"case insensitive", "Sales CALL Coaching", []string{"sales", "calls", "coaching"}, []string{"sales", "coaching"}},
		{"substring", "Rapid prototyping", []string{"api"}, []string{"api"}},
		{"upper term", "a crm for dentists", []string{"CRM"}, []string{"CRM"}},
		{"none", "gardening", []string{"sales"}, nil},
		{"empty text", "", []string{"sales"}, nil},
		{"blank term ignored", "anything", []string{""}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Match(tt.text, tt.terms))
		})
	}
}

func TestContains(t *testing.T) {
	t.Parallel()

	assert.True(t, Contains("Pending LAWSUIT over billing", []string{"lawsuit"}))
	assert.False(t, Contains("slow onboarding", []string{"lawsuit", "fraud"}))
	assert.False(t, Contains("anything", nil))
}
