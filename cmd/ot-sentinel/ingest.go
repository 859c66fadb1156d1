package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ot-sentinel/internal/schema"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Publish incidents from a JSON or NDJSON file to the event stream",
	Long: "Publish incidents to the event stream the way a detection feed does: each\n" +
		"incident is upserted, its agent run is seeded with a detect step, and it is\n" +
		"appended to the event stream. Use - to read from stdin.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		incs, err := readIncidents(args[0])
		if err != nil {
			return err
		}

		a := newApp(cfg)
		defer a.close()
		p, err := a.producer(ctx)
		if err != nil {
			return err
		}
		n, err := p.IngestAll(ctx, incs)
		fmt.Fprintf(cmd.OutOrStdout(), "published %d of %d incident(s) to %s\n", n, len(incs), cfg.Streams.Events)
		return err
	},
}

// readIncidents reads a JSON array, a single JSON object or NDJSON.
func readIncidents(path string) ([]*schema.Incident, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return decodeIncidents(r)
}

func decodeIncidents(r io.Reader) ([]*schema.Incident, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var incs []*schema.Incident
		if err := dec.Decode(&incs); err != nil {
			return nil, fmt.Errorf("decode incidents: %w", err)
		}
		return incs, nil
	}

	var incs []*schema.Incident
	for i := 1; ; i++ {
		var inc schema.Incident
		err := dec.Decode(&inc)
		if errors.Is(err, io.EOF) {
			return incs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode incident %d: %w", i, err)
		}
		incs = append(incs, &inc)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(b)) {
			return b, br.UnreadByte()
		}
	}
}
