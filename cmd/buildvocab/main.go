// Command buildvocab builds a target database offline: it reads per-target
// descriptor sets from a directory of JSON feature dumps, clusters them
// into a vocabulary, and writes the resulting database plus a build
// report.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/engineconfig"
	"github.com/planartrack/engine/target"
	"github.com/planartrack/engine/vocab"
	"github.com/planartrack/engine/wire"
)

// featureDump is the offline tool's input format: one JSON file per
// target, holding the keypoints/descriptors extracted from its reference
// image plus the pass-through metadata fields.
type featureDump struct {
	ID          string                 `json:"id"`
	Label       string                 `json:"label"`
	MediaRef    string                 `json:"mediaRef"`
	RefWidth    float64                `json:"refWidth"`
	RefHeight   float64                `json:"refHeight"`
	Keypoints   []descriptor.Keypoint  `json:"keypoints"`
	Descriptors []descriptor.Descriptor `json:"descriptors"`
}

func main() {
	inDir := flag.String("in", "", "Directory of target feature dump JSON files (one per target)")
	outPath := flag.String("out", "targets.db", "Output target database path")
	reportPath := flag.String("report", "buildreport.json", "Output build report JSON path")
	configPath := flag.String("config", "", "Optional engine config YAML for vocab tunables")
	jsonOut := flag.Bool("json", false, "Write the database in the debugging JSON codec instead of binary")
	flag.Parse()

	if *inDir == "" {
		fmt.Println("--in required")
		os.Exit(1)
	}

	cfg := engineconfig.Default()
	if *configPath != "" {
		var err error
		cfg, err = engineconfig.Load(*configPath)
		if err != nil {
			fmt.Printf("loading config failed: %v\n", err)
			os.Exit(1)
		}
	}

	dumps, err := loadDumps(*inDir)
	if err != nil {
		fmt.Printf("loading feature dumps failed: %v\n", err)
		os.Exit(1)
	}
	if len(dumps) == 0 {
		fmt.Println("no feature dumps found")
		os.Exit(1)
	}

	perTarget := make(map[string][]descriptor.Descriptor, len(dumps))
	targets := make([]*target.Target, 0, len(dumps))
	for _, d := range dumps {
		perTarget[d.ID] = d.Descriptors
		targets = append(targets, &target.Target{
			ID: d.ID, Label: d.Label, MediaRef: d.MediaRef,
			RefWidth: d.RefWidth, RefHeight: d.RefHeight,
			Keypoints: d.Keypoints, Descriptors: d.Descriptors,
		})
	}

	resolved := cfg.Resolve()
	vocabulary, bows, report, err := vocab.Build(perTarget, resolved.VocabBuild)
	if err != nil {
		fmt.Printf("vocabulary build failed: %v\n", err)
		os.Exit(1)
	}
	for _, t := range targets {
		t.BoW = bows[t.ID]
	}

	db := &wire.Database{Vocab: vocabulary, Targets: targets}
	if *jsonOut {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Printf("creating %s failed: %v\n", *outPath, err)
			os.Exit(1)
		}
		defer f.Close()
		if err := wire.EncodeJSON(f, db); err != nil {
			fmt.Printf("encoding database failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := wire.EncodeFile(*outPath, db); err != nil {
			fmt.Printf("encoding database failed: %v\n", err)
			os.Exit(1)
		}
	}

	if err := writeReport(*reportPath, report); err != nil {
		fmt.Printf("writing build report failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("built vocabulary of %d words from %d targets in %s, wrote %s and %s\n",
		report.VocabSize, report.TotalTargets, report.Duration, *outPath, *reportPath)
	if len(report.TargetsBelowKeypointThreshold) > 0 {
		fmt.Printf("warning: %d target(s) below keypoint threshold: %v\n",
			len(report.TargetsBelowKeypointThreshold), report.TargetsBelowKeypointThreshold)
	}
}

func loadDumps(dir string) ([]featureDump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	dumps := make([]featureDump, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		var d featureDump
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		if d.ID == "" {
			return nil, fmt.Errorf("%s: missing id field", name)
		}
		dumps = append(dumps, d)
	}
	return dumps, nil
}

func writeReport(path string, report vocab.BuildReport) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
