package lineproto

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/newsch/collascii-go/go/internal/canvas"
)

func readOne(t *testing.T, input string) (Message, error) {
	t.Helper()
	return ReadMessage(bufio.NewReader(strings.NewReader(input)))
}

func requireSameMessage(t *testing.T, want, got Message) {
	t.Helper()
	w, wantCanvas := want.(CanvasSet)
	g, gotCanvas := got.(CanvasSet)
	if wantCanvas || gotCanvas {
		require.True(t, wantCanvas && gotCanvas)
		require.Equal(t, w.Canvas.Width(), g.Canvas.Width())
		require.Equal(t, w.Canvas.Height(), g.Canvas.Height())
		require.Equal(t, w.Canvas.Serialize(), g.Canvas.Serialize())
		return
	}
	require.Equal(t, want, got)
}

func TestReadMessage_ParsesGoodMessages(t *testing.T) {
	seeded, err := canvas.New(3, 2)
	require.NoError(t, err)
	seeded.Insert("X1234")

	cases := []struct {
		want  Message
		input string
	}{
		{CharSet{Y: 3, X: 2, Ch: 'a'}, "s 3 2 a\n"},
		{CharSet{Y: 1, X: 0, Ch: 'Z'}, "s 1 0 Z\n"},
		{CharSet{Y: 1, X: 0, Ch: ' '}, "s 1 0  \n"},
		{CanvasSet{Canvas: seeded}, "cs 2 3\nX1234 \n"},
		{VersionReq{V: Version{Major: 1, Minor: 0}}, "v 1.0\n"},
		{VersionReq{V: Version{Major: 1, Minor: 0}}, "v 1.0 1.1 1.2\n"},
		{VersionAck{}, "vok\n"},
		{VersionAck{}, "vok 1.1\n"},
		{Quit{}, "q\n"},
	}

	for _, tc := range cases {
		got, err := readOne(t, tc.input)
		require.NoError(t, err, "input %q", tc.input)
		requireSameMessage(t, tc.want, got)
	}

	// The same messages concatenated parse in order off one stream.
	var blob strings.Builder
	for _, tc := range cases {
		blob.WriteString(tc.input)
	}
	r := bufio.NewReader(strings.NewReader(blob.String()))
	for _, tc := range cases {
		got, err := ReadMessage(r)
		require.NoError(t, err, "input %q", tc.input)
		requireSameMessage(t, tc.want, got)
	}
	_, err = ReadMessage(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadMessage_RejectsMalformedInput(t *testing.T) {
	cases := []struct {
		input string
		desc  string
	}{
		{"s 1 0 \n", "whitespace but no character"},
		{"s 1 0  f\n", "two spaces before character"},
		{"s 1 0 \t\n", "tab character"},
		{"s 1 0 f\r", "return character only"},
		{"s 1 0 f\r\n", "return and newline characters"},
		{"s 1 0 f", "no newline"},
		{"s 1 0\n", "missing character param"},
		{"s a 0 f\n", "non-numeric row"},
		{"s -1 0 f\n", "negative row"},
		{"s 1 0 ab\n", "two characters"},
		{"cs 2\nfoo\n", "canvasset missing width param"},
		{"cs 2 x\nfoo\n", "canvasset non-numeric width"},
		{"v \n", "empty version"},
		{"v 1\n", "version without minor"},
		{"v 1.2.3\n", "version with extra part"},
	}
	for _, tc := range cases {
		_, err := readOne(t, tc.input)
		require.Error(t, err, tc.desc)
	}
}

func TestReadMessage_UnknownPrefix(t *testing.T) {
	_, err := readOne(t, "color 1 2 red\n")
	require.ErrorIs(t, err, ErrUnknownPrefix)
}

func TestReadMessage_ShortCanvasDataFillsWhatItCovers(t *testing.T) {
	msg, err := readOne(t, "cs 2 3\nab\n")
	require.NoError(t, err)
	cs, ok := msg.(CanvasSet)
	require.True(t, ok)
	require.Equal(t, "ab    ", cs.Canvas.Serialize())
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2")
	require.NoError(t, err)
	require.Equal(t, Version{Major: 1, Minor: 2}, v)
	require.Equal(t, "1.2", v.String())

	for _, bad := range []string{"1", ".1", "foo", "1.2.3", "300.1", "1.-2"} {
		_, err := ParseVersion(bad)
		require.Error(t, err, bad)
	}
}

func TestWireFormat(t *testing.T) {
	require.Equal(t, "s 3 2 a\n", CharSet{Y: 3, X: 2, Ch: 'a'}.WireFormat())
	require.Equal(t, "s 1 0  \n", CharSet{Y: 1, X: 0, Ch: ' '}.WireFormat())
	require.Equal(t, "v 1.0\n", VersionReq{V: ProtocolVersion}.WireFormat())
	require.Equal(t, "vok\n", VersionAck{}.WireFormat())
	require.Equal(t, "q\n", Quit{}.WireFormat())

	cv, err := canvas.New(3, 2)
	require.NoError(t, err)
	cv.Insert("X1234")
	require.Equal(t, "cs 2 3\nX1234 \n", CanvasSet{Canvas: cv}.WireFormat())
}

func TestWireFormat_RoundTripsThroughReadMessage(t *testing.T) {
	messages := []Message{
		CharSet{Y: 5, X: 7, Ch: '@'},
		CharSet{Y: 0, X: 0, Ch: ' '},
		VersionReq{V: ProtocolVersion},
		VersionAck{},
		Quit{},
	}
	for _, want := range messages {
		got, err := readOne(t, want.WireFormat())
		require.NoError(t, err, "wire %q", want.WireFormat())
		require.Equal(t, want, got)
	}
}
