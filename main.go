package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/dtable/internal/buildinfo"
	"github.com/l7mp/dtable/pkg/api/transformer/v1alpha1"
	"github.com/l7mp/dtable/pkg/engine"
	"github.com/l7mp/dtable/pkg/row"
	"github.com/l7mp/dtable/pkg/table"
	"github.com/l7mp/dtable/pkg/transformer"
	"github.com/l7mp/dtable/pkg/visualize"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

// dataFile is the YAML input document: the source tables with their schemas
// and seed rows.
type dataFile struct {
	Tables []struct {
		Name   string           `json:"name"`
		Schema *v1alpha1.Schema `json:"schema"`
		Rows   []struct {
			Key     string      `json:"key"`
			Content row.Content `json:"content"`
		} `json:"rows,omitempty"`
	} `json:"tables"`
}

func main() {
	var dataPath, graphFormat string
	var level int

	flag.StringVar(&dataPath, "data", "", "YAML file declaring the source tables and their seed rows.")
	flag.StringVar(&graphFormat, "graph", "", "Render the transformer topology instead of running: dot or mermaid.")
	flag.IntVar(&level, "verbosity", 0, "Log verbosity: higher is chattier.")
	flag.Parse()

	logger := newLogger(level)
	setupLog := logger.WithName("setup")

	info := buildinfo.BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	setupLog.V(1).Info(fmt.Sprintf("starting dtable %s", info.String()))

	defs := []*transformer.Definition{}
	for _, path := range flag.Args() {
		yamlData, err := os.ReadFile(path)
		if err != nil {
			setupLog.Error(err, "cannot read transformer file", "path", path)
			os.Exit(1)
		}
		var spec v1alpha1.Definition
		if err := yaml.Unmarshal(yamlData, &spec); err != nil {
			setupLog.Error(err, "cannot parse transformer file", "path", path)
			os.Exit(1)
		}
		def, err := transformer.FromSpec(&spec)
		if err != nil {
			setupLog.Error(err, "invalid transformer", "path", path)
			os.Exit(1)
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		setupLog.Info("no transformer files given")
		os.Exit(1)
	}

	if graphFormat != "" {
		out, err := renderGraph(graphFormat, defs)
		if err != nil {
			setupLog.Error(err, "cannot render topology")
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	if err := run(dataPath, defs, logger); err != nil {
		setupLog.Error(err, "run failed")
		os.Exit(1)
	}
}

// run seeds the store from the data file, registers the transformers, and
// dumps every table to stdout.
func run(dataPath string, defs []*transformer.Definition, logger logr.Logger) error {
	if dataPath == "" {
		return fmt.Errorf("no data file given")
	}
	yamlData, err := os.ReadFile(dataPath)
	if err != nil {
		return err
	}
	var data dataFile
	if err := yaml.Unmarshal(yamlData, &data); err != nil {
		return err
	}

	ctx := context.Background()
	store := table.New(table.Options{Logger: logger})
	e := engine.New(store, engine.Options{Logger: logger})

	for _, t := range data.Tables {
		if err := store.RegisterTable(t.Name, t.Schema); err != nil {
			return err
		}
		deltas := make([]table.Delta, 0, len(t.Rows))
		for _, r := range t.Rows {
			deltas = append(deltas, table.Delta{
				Type: table.Added,
				Row:  row.FromContent(t.Name, r.Key, r.Content),
			})
		}
		if len(deltas) > 0 {
			if _, err := store.Apply(ctx, t.Name, deltas); err != nil {
				return err
			}
		}
	}

	for _, def := range defs {
		if _, err := e.Register(def); err != nil {
			return err
		}
	}

	return dump(store)
}

// dump writes every table's live rows to stdout as YAML.
func dump(store *table.Store) error {
	out := map[string]map[string]row.Content{}
	for _, name := range store.Tables() {
		rows, err := store.List(name)
		if err != nil {
			return err
		}
		content := map[string]row.Content{}
		for _, r := range rows {
			content[r.Key()] = r.Content()
		}
		out[name] = content
	}

	yamlData, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Print(string(yamlData))
	return nil
}

func renderGraph(format string, defs []*transformer.Definition) (string, error) {
	g := visualize.BuildGraph("dtable", defs)
	switch format {
	case "dot":
		return (&visualize.DotGenerator{}).Generate(g), nil
	case "mermaid":
		return (&visualize.MermaidGenerator{}).Generate(g), nil
	default:
		return "", fmt.Errorf("unknown graph format %q", format)
	}
}

func newLogger(level int) logr.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		zapcore.Level(int8(-level)),
	)

	return zapr.NewLogger(zap.New(core, zap.AddStacktrace(zapcore.Level(3))))
}
