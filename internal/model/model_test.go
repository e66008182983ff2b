package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfile() ResourceLimitProfile {
	return ResourceLimitProfile{
		CPUTimeSeconds: 10,
		MemoryMB:       256,
		DiskMB:         50,
		MaxProcesses:   2,
		MaxOutputMB:    5,
		NetworkPolicy:  NetworkNone,
		TimeoutSeconds: 15,
	}
}

func TestResourceLimitProfileValidate(t *testing.T) {
	require.NoError(t, validProfile().Validate(Strict))

	p := validProfile()
	p.MemoryMB = 0
	assert.ErrorContains(t, p.Validate(Moderate), "memoryMB")

	p = validProfile()
	p.NetworkPolicy = NetworkOpen
	assert.Error(t, p.Validate(Strict))
	assert.NoError(t, p.Validate(Permissive))

	p = validProfile()
	p.NetworkPolicy = "sometimes"
	assert.Error(t, p.Validate(Moderate))
}

func TestTightenOnlyLowers(t *testing.T) {
	p := validProfile()

	got := p.Tighten(&ResourceHints{TimeoutSeconds: 5, MemoryMB: 1024})
	assert.Equal(t, 5, got.TimeoutSeconds)
	assert.Equal(t, 5, got.CPUTimeSeconds)
	assert.Equal(t, 256, got.MemoryMB)

	got = p.Tighten(&ResourceHints{TimeoutSeconds: 600})
	assert.Equal(t, 15, got.TimeoutSeconds)

	assert.Equal(t, p, p.Tighten(nil))
}

func TestParseHelpers(t *testing.T) {
	l, err := ParseLanguage("Py")
	require.NoError(t, err)
	assert.Equal(t, Python, l)

	_, err = ParseLanguage("cobol")
	assert.Error(t, err)

	n, err := ParseNetworkPolicy("disabled")
	require.NoError(t, err)
	assert.Equal(t, NetworkNone, n)

	n, err = ParseNetworkPolicy("allowed")
	require.NoError(t, err)
	assert.Equal(t, NetworkOpen, n)

	_, err = ParseSecurityLevel("paranoid")
	assert.Error(t, err)
}

func TestIntentMutating(t *testing.T) {
	assert.True(t, IntentCreateFile.Mutating())
	assert.True(t, IntentDeleteFile.Mutating())
	assert.False(t, IntentRunCode.Mutating())
	assert.False(t, IntentExplainCode.Mutating())
}
