package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"dicom-gateway/internal/cli"
)

func main() {
	// Define flags
	configFile := flag.String("config", "", "Project configuration file")
	configShort := flag.String("c", "", "Config file (shorthand)")

	remote := flag.String("remote", "", "Named remote from the config's remotes section")
	level := flag.String("level", "study", "Retrieve granularity: study, series or instance")
	recursive := flag.Bool("recursive", true, "Search subdirectories on import")
	withInstances := flag.Bool("instances", false, "Enumerate individual instances during hierarchy discovery")
	toObjectStore := flag.Bool("objectstore", false, "Export to the configured object store instead of a remote node")

	patientName := flag.String("name", "", "Query: patient name filter")
	patientID := flag.String("pid", "", "Query: patient ID filter")
	studyDate := flag.String("date", "", "Query: study date filter (YYYYMMDD or range)")
	modality := flag.String("modality", "", "Query: modality filter")
	accessions := flag.String("accessions", "", "Query: comma-separated accession numbers (exact match)")

	verbose := flag.Bool("verbose", false, "Debug logging")

	help := flag.Bool("help", false, "Show help message")
	helpShort := flag.Bool("h", false, "Help (shorthand)")

	flag.Usage = printUsage
	flag.Parse()

	if *help || *helpShort {
		printUsage()
		return
	}

	// Merge short and long flags (prefer long if both specified)
	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = *configShort
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	opts := cli.Options{
		ConfigFile:    cfgPath,
		Command:       args[0],
		Args:          args[1:],
		Remote:        *remote,
		Level:         *level,
		Recursive:     *recursive,
		WithInstances: *withInstances,
		ObjectStore:   *toObjectStore,
		PatientName:   *patientName,
		PatientID:     *patientID,
		StudyDate:     *studyDate,
		Modality:      *modality,
		Accessions:    *accessions,
		Logger:        logger,
	}

	if err := cli.Run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`DICOM De-identification Gateway

USAGE:
  gateway -c <config.yaml> <command> [arguments]

COMMANDS:
  serve                     Run the listening application entity; inbound
                            stores are anonymized and filed continuously
  import <path>             Anonymize local files (a file or a folder)
  echo                      Verify connectivity to -remote
  query                     Search studies on -remote (see query flags)
  retrieve                  Query -remote and move every match to this
                            node at -level granularity
  export [patient ids...]   Send anonymized patients to -remote, or to
                            the object store with -objectstore; no ids
                            means every patient
  totals                    Print ledger totals

FLAGS:
  -c, -config <path>    Project configuration file (required)
  -remote <name>        Remote node name from the config
  -level <level>        Retrieve granularity: study (default), series,
                        instance; retry finer when coarser levels stall
  -instances            Enumerate instances during hierarchy discovery
  -objectstore          Export to the configured object store
  -recursive            Search subdirectories on import (default true)
  -verbose              Debug logging
  -h, -help             Show this help message

QUERY FLAGS:
  -name <pattern>       Patient name
  -pid <id>             Patient ID
  -date <range>         Study date, YYYYMMDD or YYYYMMDD-YYYYMMDD
  -modality <mod>       Modality, e.g. CT, MR, US
  -accessions <list>    Comma-separated accession numbers; matched
                        exactly, wildcard expansions are discarded

EXAMPLES:
  # Receive and anonymize continuously
  ./gateway -c project.yaml serve

  # Anonymize a local folder
  ./gateway -c project.yaml import /data/incoming

  # Pull two accessions from the archive
  ./gateway -c project.yaml -remote pacs -accessions 1234567,1234568 retrieve

  # Retry a stalled study at series granularity
  ./gateway -c project.yaml -remote pacs -accessions 1234567 -level series retrieve

  # Ship everything to the research archive
  ./gateway -c project.yaml -remote archive export`)
}
