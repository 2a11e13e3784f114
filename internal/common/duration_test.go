package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_YAML(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h30m45s", 1*time.Hour + 30*time.Minute + 45*time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			require.NoError(t, yaml.Unmarshal([]byte(tt.input), &d))
			require.Equal(t, tt.expected, d.Duration)
		})
	}

	var d Duration
	require.Error(t, yaml.Unmarshal([]byte(`"not a duration"`), &d))
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"45s"`), &d))
	require.Equal(t, 45*time.Second, d.Duration)

	// Plain nanosecond numbers are accepted too.
	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	require.Equal(t, time.Second, d.Duration)

	encoded, err := json.Marshal(NewDuration(90 * time.Second))
	require.NoError(t, err)
	require.Equal(t, `"1m30s"`, string(encoded))
}

func TestParseUint64orHex(t *testing.T) {
	dec := "123"
	v, err := ParseUint64orHex(&dec)
	require.NoError(t, err)
	require.Equal(t, uint64(123), v)

	hex := "0x7b"
	v, err = ParseUint64orHex(&hex)
	require.NoError(t, err)
	require.Equal(t, uint64(123), v)

	v, err = ParseUint64orHex(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)

	bad := "zzz"
	_, err = ParseUint64orHex(&bad)
	require.Error(t, err)
}
