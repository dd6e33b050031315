package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSpeechChunkKeepsEdgeWhitespace(t *testing.T) {
	require.Equal(t, " bold move ", sanitizeSpeechChunk(" **bold** move "))
	require.Equal(t, "see docs now. ", sanitizeSpeechChunk("see [docs](https://example.com) now. "))
	require.Equal(t, "visit  ", sanitizeSpeechChunk("visit https://example.com  "))
	require.Equal(t, "Thereis a plan, ", sanitizeSpeechChunk("Thereis  a plan, "))
}

func TestSanitizeSpeechChunkDropsSymbolOnlyText(t *testing.T) {
	require.Equal(t, "", sanitizeSpeechChunk(" 🎉🎉 "))
	require.Equal(t, "   ", sanitizeSpeechChunk("   "))
}
