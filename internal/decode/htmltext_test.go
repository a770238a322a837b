package decode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTMLToTextStripsTags(t *testing.T) {
	got := htmlToText("<html><body><p>Hello <b>World</b>!</p></body></html>")
	require.Equal(t, "Hello World!", got)
}

func TestHTMLToTextResolvesEntities(t *testing.T) {
	got := htmlToText("<p>M&uuml;ller &amp; S&ouml;hne</p>")
	require.Equal(t, "Müller & Söhne", got)
}

func TestHTMLToTextSkipsScriptAndStyle(t *testing.T) {
	got := htmlToText("<style>p{color:red}</style><script>alert(1)</script><p>visible</p>")
	require.Equal(t, "visible", got)
	require.NotContains(t, got, "alert")
	require.NotContains(t, got, "color")
}

func TestHTMLToTextDocumentOrder(t *testing.T) {
	got := htmlToText("<div>first</div> <div>second</div>")
	require.Equal(t, "first second", got)
}

func TestHTMLToTextPlainInputUnchanged(t *testing.T) {
	require.Equal(t, "no markup here", htmlToText("no markup here"))
}
