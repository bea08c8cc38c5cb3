package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAllowlistDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"*.example.com", "example.com"},
		{"  *.Widgets.Example.ORG  ", "widgets.example.org"},
		{"EXAMPLE.com", "example.com"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, normalizeAllowlistDomain(tt.in))
	}
}
