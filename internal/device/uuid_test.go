package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID lowercase",
			input:    "180f",
			expected: "0000180f-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "16-bit UUID uppercase",
			input:    "2A19",
			expected: "00002a19-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "16-bit UUID with 0x prefix",
			input:    "0x2902",
			expected: "00002902-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "32-bit UUID",
			input:    "1234abcd",
			expected: "1234abcd-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "128-bit UUID with dashes",
			input:    "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
			expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		},
		{
			name:     "128-bit UUID without dashes",
			input:    "6e400001b5a3f393e0a9e50e24dcca9e",
			expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseUUID(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, id.String())
		})
	}
}

func TestParseUUID_Invalid(t *testing.T) {
	for _, input := range []string{"", "12", "xyz1", "6e400001-b5a3-f393-e0a9", "zz400001b5a3f393e0a9e50e24dcca9e"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseUUID(input)
			assert.Error(t, err, "MUST reject %q", input)
		})
	}
}

func TestShortUUID(t *testing.T) {
	assert.Equal(t, "180f", ShortUUID(MustParseUUID("0000180F-0000-1000-8000-00805F9B34FB")))
	assert.Equal(t, "1234abcd", ShortUUID(MustParseUUID("1234abcd")))
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", ShortUUID(MustParseUUID("6e400001b5a3f393e0a9e50e24dcca9e")))
}

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "2902", NormalizeUUID("0x2902"))
	assert.Equal(t, "180d", NormalizeUUID("0000180d-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", NormalizeUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.Equal(t, "", NormalizeUUID("not-a-uuid"))
}

func TestValidateUUID(t *testing.T) {
	ids, err := ValidateUUID("180f", "2a19")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = ValidateUUID()
	assert.Error(t, err)

	_, err = ValidateUUID("180f", "")
	assert.ErrorContains(t, err, "index 1")

	_, err = ValidateUUID("bogus")
	assert.ErrorContains(t, err, "invalid UUID format at index 0")
}
