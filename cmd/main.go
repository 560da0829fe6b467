package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/NamanBalaji/swarmshare/internal/config"
	"github.com/NamanBalaji/swarmshare/internal/repository"
)

// Lists the runs recorded in a transfer journal.
func main() {
	path := flag.String("journal", config.DefaultConfig().Common.Journal, "Journal database")
	flag.Parse()

	j, err := repository.NewBboltJournal(*path)
	if err != nil {
		log.Fatalf("Error opening journal: %v\n", err)
	}
	defer j.Close()

	runs, err := j.FindAll()
	if err != nil {
		log.Fatalf("Error reading journal: %v\n", err)
	}

	sort.Slice(runs, func(a, b int) bool {
		return runs[a].StartedAt.Before(runs[b].StartedAt)
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPEER\tSTARTED\tPIECES\tRECEIVED\tSTATUS")

	for _, r := range runs {
		status := "running"

		switch {
		case r.Complete:
			status = "complete"
		case !r.FinishedAt.IsZero():
			status = "incomplete"
		}

		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
			r.ID, r.PeerID, humanize.Time(r.StartedAt), len(r.Pieces), humanize.Bytes(uint64(r.Bytes())), status)
	}

	w.Flush()
}
