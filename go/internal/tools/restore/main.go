// cl-restore paints the contents of a text file onto a collascii server,
// cell by cell over the line protocol.
package main

import (
	"flag"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/lineproto"
	"github.com/newsch/collascii-go/go/internal/models"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		addr        = flag.String("addr", "127.0.0.1"+lineproto.DefaultAddr, "server address")
		path        = flag.String("f", "", "file to read from (defaults to stdin)")
		offX        = flag.Int("x", 0, "column offset to paint at")
		offY        = flag.Int("y", 0, "row offset to paint at")
		transparent = flag.String("t", "", "treat this character as transparent and skip it")
	)
	flag.Parse()

	if *offX < 0 || *offY < 0 {
		log.Fatal().Msg("offsets must be non-negative")
	}

	var skip rune
	if *transparent != "" {
		r, size := utf8.DecodeRuneInString(*transparent)
		if size != len(*transparent) {
			log.Fatal().Str("t", *transparent).Msg("transparent flag must be a single character")
		}
		skip = r
	}

	var (
		data []byte
		err  error
	)
	if *path != "" {
		data, err = os.ReadFile(*path)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("could not read input")
	}

	replacement, err := canvas.FromString(string(data))
	if err != nil {
		log.Fatal().Err(err).Msg("could not parse input")
	}

	client, existing, err := lineproto.DialClient(*addr, 10*time.Second)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("could not connect")
	}
	defer client.Close()

	if existing.Width() < *offX+replacement.Width() || existing.Height() < *offY+replacement.Height() {
		log.Fatal().Msgf("server canvas is smaller than input: %dx%d < %dx%d at offset (%d,%d)",
			existing.Width(), existing.Height(),
			replacement.Width(), replacement.Height(), *offX, *offY)
	}

	sent := 0
	for y := 0; y < replacement.Height(); y++ {
		for x := 0; x < replacement.Width(); x++ {
			cell, err := replacement.Get(models.Coord{X: x, Y: y})
			if err != nil {
				continue
			}
			if *transparent != "" && cell.Ch == skip {
				continue
			}
			if err := client.Send(lineproto.CharSet{X: x + *offX, Y: y + *offY, Ch: cell.Ch}); err != nil {
				log.Fatal().Err(err).Msg("send failed")
			}
			sent++
		}
	}
	log.Info().Int("cells", sent).Msg("canvas painted")
}
