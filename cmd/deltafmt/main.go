// Command deltafmt validates and compacts a delta document.
//
// Usage:
//
//	deltafmt [-text] [-passes] [file]
//
// The document is read from file, or from stdin when no file is given, and
// written to stdout as canonical JSON, or as plain text with -text.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alimasry/go-delta/delta"
	"github.com/alimasry/go-delta/validate"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("deltafmt: ")

	text := flag.Bool("text", false, "print plain text instead of JSON")
	passes := flag.Bool("passes", false, "log the number of compaction passes")
	flag.Parse()

	in := io.Reader(os.Stdin)
	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		in = f
	}

	if err := run(in, os.Stdout, *text, *passes); err != nil {
		log.Fatal(err)
	}
}

func run(in io.Reader, out io.Writer, text, logPasses bool) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	v, err := validate.New()
	if err != nil {
		return err
	}
	if err := v.Document(raw); err != nil {
		return err
	}

	var doc delta.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	n := doc.Compact()
	if logPasses {
		log.Printf("%d compaction passes", n)
	}

	if text {
		_, err = io.WriteString(out, doc.ToPlainText())
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(&doc)
}
