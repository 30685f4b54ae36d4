// cl-dump grabs the current canvas from a collascii server and writes it
// to stdout, a file, or a PDF.
package main

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/discovery"
	"github.com/newsch/collascii-go/go/internal/export"
	"github.com/newsch/collascii-go/go/internal/lineproto"
)

func main() {
	// canvas goes to stdout, logs stay on stderr
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		addr     = flag.String("addr", "127.0.0.1"+lineproto.DefaultAddr, "server address")
		discover = flag.Bool("discover", false, "find a server with mdns instead of -addr")
		outPath  = flag.String("o", "", "write to this file instead of stdout")
		pdf      = flag.Bool("pdf", false, "write a PDF instead of plain text")
	)
	flag.Parse()

	target := *addr
	if *discover {
		endpoints, err := discovery.Browse()
		if err != nil {
			log.Fatal().Err(err).Msg("mdns browse failed")
		}
		if len(endpoints) == 0 {
			log.Fatal().Msg("no collascii servers found")
		}
		target = endpoints[0].Addr
		log.Info().
			Str("host", endpoints[0].Host).
			Str("addr", target).
			Msg("discovered server")
	}

	client, cv, err := lineproto.DialClient(target, 10*time.Second)
	if err != nil {
		log.Fatal().Err(err).Str("addr", target).Msg("could not connect")
	}
	client.Close()

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			log.Fatal().Err(err).Msg("could not create output file")
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Fatal().Err(err).Msg("could not close output file")
			}
		}()
		w = f
	}

	snap := cv.Snapshot(0)
	if *pdf {
		err = export.WritePDF(w, snap)
	} else {
		err = export.WriteText(w, snap)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("could not write canvas")
	}
}
