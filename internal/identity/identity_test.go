package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormats(t *testing.T) {
	id, err := Parse("aa:bb:cc:01:02:03")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:01:02:03", id.String())
	assert.Equal(t, "AABBCC010203", id.Compact())
	assert.Len(t, id.Bytes(), 6)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-mac")
	assert.Error(t, err)
}
