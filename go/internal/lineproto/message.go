// Package lineproto implements the legacy text protocol spoken by terminal
// collascii clients, version 1.0.
//
// Messages are ascii lines over TCP, "<prefix> [<param>]...\n", with the
// prefix and params separated by single spaces. The first line of a message
// is at most 64 characters and is enough to decide how to parse the rest.
// Servers skip prefixes they do not recognize so newer clients keep
// working; clients may fail on unknown messages.
//
// A 1.0 exchange looks like this:
//
//  1. the client connects and sends a VersionReq
//  2. the server answers with a VersionAck, or closes the connection when
//     it does not support the requested version
//  3. the server sends a CanvasSet with the current contents
//  4. both sides exchange CharSet messages as cells change
//  5. the client sends Quit and closes the connection
package lineproto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/newsch/collascii-go/go/internal/canvas"
)

// ProtocolVersion is the protocol version this implementation speaks.
var ProtocolVersion = Version{Major: 1, Minor: 0}

// Version is a major.minor protocol version.
type Version struct {
	Major uint8
	Minor uint8
}

// ParseVersion parses a "<major>.<minor>" version string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("%w: version %q needs major.minor", ErrBadParam, s)
	}
	if len(parts) > 2 {
		return Version{}, fmt.Errorf("%w: unexpected content %q after version", ErrBadParam, parts[2])
	}
	major, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return Version{}, fmt.Errorf("%w: major version %q", ErrBadParam, parts[0])
	}
	minor, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return Version{}, fmt.Errorf("%w: minor version %q", ErrBadParam, parts[1])
	}
	return Version{Major: uint8(major), Minor: uint8(minor)}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Message is one unit of the line protocol.
type Message interface {
	// WireFormat returns the message in wire form, trailing newline
	// included.
	WireFormat() string
}

// CharSet sets a single cell. Clients send it to edit, servers send it
// when another client edited.
//
// Wire form: "s <y> <x> <c>\n". When c is a space the line ends with two
// spaces before the newline.
type CharSet struct {
	X  int
	Y  int
	Ch rune
}

func (m CharSet) WireFormat() string {
	return fmt.Sprintf("s %d %d %c\n", m.Y, m.X, m.Ch)
}

// CanvasSet replaces the whole canvas. Servers send it right after version
// negotiation.
//
// Wire form: "cs <height> <width>\n<data>\n" where data is every row
// concatenated top to bottom, width*height characters long.
type CanvasSet struct {
	Canvas *canvas.Canvas
}

func (m CanvasSet) WireFormat() string {
	return fmt.Sprintf("cs %d %d\n%s\n", m.Canvas.Height(), m.Canvas.Width(), m.Canvas.Serialize())
}

// VersionReq opens a connection with the versions the client can speak.
// Only the first one counts in 1.0; the rest is reserved.
//
// Wire form: "v <version>...\n"
type VersionReq struct {
	V Version
}

func (m VersionReq) WireFormat() string {
	return fmt.Sprintf("v %s\n", m.V)
}

// VersionAck accepts a version request. Parameters are reserved for future
// versions and ignored in 1.0.
//
// Wire form: "vok\n"
type VersionAck struct{}

func (VersionAck) WireFormat() string { return "vok\n" }

// Quit announces a graceful exit before the client closes the connection.
//
// Wire form: "q\n"
type Quit struct{}

func (Quit) WireFormat() string { return "q\n" }

// ReadMessage reads and parses one message from r. A clean end of input
// surfaces as io.EOF; a line cut off without its newline is ErrMalformed.
func ReadMessage(r *bufio.Reader) (Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return nil, fmt.Errorf("%w: missing trailing newline in %q", ErrMalformed, line)
		}
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")

	fields := strings.Split(line, " ")
	prefix, params := fields[0], fields[1:]
	switch prefix {
	case "s":
		return parseCharSet(params)
	case "cs":
		return parseCanvasSet(r, params)
	case "v":
		return parseVersionReq(params)
	case "vok":
		return VersionAck{}, nil
	case "q":
		return Quit{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
}

func parseCharSet(params []string) (Message, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("%w: charset expects 3 params, found %d", ErrBadParam, len(params))
	}
	y, err := parseNat(params[0])
	if err != nil {
		return nil, fmt.Errorf("%w: charset param y %q", ErrBadParam, params[0])
	}
	x, err := parseNat(params[1])
	if err != nil {
		return nil, fmt.Errorf("%w: charset param x %q", ErrBadParam, params[1])
	}

	// A space character splits into two empty params.
	var raw string
	switch {
	case len(params) == 3:
		raw = params[2]
	case params[2] == "" && params[3] == "":
		raw = " "
	default:
		return nil, fmt.Errorf("%w: charset param c %q", ErrBadParam, strings.Join(params[2:], " "))
	}

	ch, size := utf8.DecodeRuneInString(raw)
	if ch == utf8.RuneError || size != len(raw) {
		return nil, fmt.Errorf("%w: charset param c %q", ErrBadParam, raw)
	}
	if ch != ' ' && isASCIIWhitespace(ch) {
		return nil, fmt.Errorf("%w: charset param c %q", ErrBadParam, raw)
	}
	return CharSet{X: x, Y: y, Ch: ch}, nil
}

func parseCanvasSet(r *bufio.Reader, params []string) (Message, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("%w: canvasset expects 2 params, found %d", ErrBadParam, len(params))
	}
	height, err := parseNat(params[0])
	if err != nil {
		return nil, fmt.Errorf("%w: canvasset param height %q", ErrBadParam, params[0])
	}
	width, err := parseNat(params[1])
	if err != nil {
		return nil, fmt.Errorf("%w: canvasset param width %q", ErrBadParam, params[1])
	}
	cv, err := canvas.New(width, height)
	if err != nil {
		return nil, fmt.Errorf("%w: canvasset %dx%d", ErrBadParam, width, height)
	}

	// Short data fills what it covers; extra data past the canvas is
	// dropped.
	data, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	cv.Insert(strings.TrimSuffix(data, "\n"))
	return CanvasSet{Canvas: cv}, nil
}

func parseVersionReq(params []string) (Message, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("%w: versionreq expects 1 param, found 0", ErrBadParam)
	}
	v, err := ParseVersion(params[0])
	if err != nil {
		return nil, err
	}
	return VersionReq{V: v}, nil
}

func parseNat(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return n, nil
}

func isASCIIWhitespace(ch rune) bool {
	switch ch {
	case ' ', '\t', '\n', '\f', '\r':
		return true
	}
	return false
}
