package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFormatAndUniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		v := New("evp")
		assert.True(t, strings.HasPrefix(v, "evp_"), v)
		assert.Len(t, strings.Split(v, "_"), 3)
		assert.False(t, seen[v], "duplicate id %s", v)
		seen[v] = true
	}
}
