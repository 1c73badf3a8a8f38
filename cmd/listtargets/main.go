// Command listtargets loads a target database and prints a summary of
// every target it contains: id, reference dimensions, keypoint count,
// and bag-of-words vector size.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/planartrack/engine/wire"
)

func main() {
	dbPath := flag.String("db", "", "Target database path")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("--db required")
	}

	db, err := wire.DecodeFile(*dbPath)
	if err != nil {
		log.Fatalf("loading %s: %v", *dbPath, err)
	}

	fmt.Printf("vocabulary: %d words, branching=%d, levels=%d\n",
		len(db.Vocab.Words), db.Vocab.BranchingFactor, db.Vocab.Levels)
	fmt.Printf("%-20s %-24s %10s %10s %12s %8s\n", "ID", "LABEL", "REFWIDTH", "REFHEIGHT", "KEYPOINTS", "BOWSIZE")
	for _, t := range db.Targets {
		fmt.Printf("%-20s %-24s %10.1f %10.1f %12d %8d\n",
			t.ID, t.Label, t.RefWidth, t.RefHeight, len(t.Keypoints), len(t.BoW))
	}
}
