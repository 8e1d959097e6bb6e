package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"

	"github.com/raaihank/datamask/internal/app"
	"github.com/raaihank/datamask/internal/blob"
	"github.com/raaihank/datamask/internal/config"
	"github.com/raaihank/datamask/internal/lifecycle"
	"github.com/raaihank/datamask/internal/masking"
)

const usage = `Usage: %s [--config FILE] [--verbose] <command> [arguments]

Commands:
  upload <path> --product P [--owner O]      store a file without masking it
  process <fileId> [--product P]             mask a previously uploaded file
  mask <path> --product P [--owner O] [--out FILE]
                                             upload and mask in one step
  download <fileId> --out FILE               write the stored bytes of a file
  list-products                              show configured products
  list-files [--owner O] [--parent ID] [--all]
                                             show file records
  export-map [--format csv|json|parquet] [--out FILE]
                                             dump the masking map
`

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		verbose    = flag.Bool("verbose", false, "Log at the configured level instead of warnings only")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *verbose, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, verbose bool, command string, args []string) error {
	cmd, ok := commands[command]
	if !ok {
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	opts := cmd.flags(fs)
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != cmd.args {
		return fmt.Errorf("%s expects %d argument(s), got %d", command, cmd.args, len(positional))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "console"

	log, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	services, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer services.Close()

	return cmd.run(ctx, services, opts, positional)
}

// parseInterleaved lets flags follow positional arguments
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

type options struct {
	product string
	owner   string
	out     string
	format  string
	parent  int64
	all     bool
}

type command struct {
	args  int
	flags func(fs *flag.FlagSet) *options
	run   func(ctx context.Context, a *app.App, opts *options, args []string) error
}

func fileFlags(fs *flag.FlagSet) *options {
	opts := &options{}
	fs.StringVar(&opts.product, "product", "", "Product whose rules apply")
	fs.StringVar(&opts.owner, "owner", currentUser(), "Owner recorded on the file")
	fs.StringVar(&opts.out, "out", "", "Write the resulting bytes to this file")
	return opts
}

func noFlags(fs *flag.FlagSet) *options {
	return &options{}
}

var commands = map[string]command{
	"upload":        {args: 1, flags: fileFlags, run: cmdUpload},
	"process":       {args: 1, flags: fileFlags, run: cmdProcess},
	"mask":          {args: 1, flags: fileFlags, run: cmdMask},
	"download":      {args: 1, flags: fileFlags, run: cmdDownload},
	"list-products": {args: 0, flags: noFlags, run: cmdListProducts},
	"list-files": {args: 0, flags: func(fs *flag.FlagSet) *options {
		opts := &options{}
		fs.StringVar(&opts.owner, "owner", "", "Only files of this owner")
		fs.Int64Var(&opts.parent, "parent", 0, "Only members of this archive")
		fs.BoolVar(&opts.all, "all", false, "Include archive members")
		return opts
	}, run: cmdListFiles},
	"export-map": {args: 0, flags: func(fs *flag.FlagSet) *options {
		opts := &options{}
		fs.StringVar(&opts.format, "format", string(masking.FormatCSV), "Export format: csv, json or parquet")
		fs.StringVar(&opts.out, "out", "", "Output file (default stdout)")
		return opts
	}, run: cmdExportMap},
}

func cmdUpload(ctx context.Context, a *app.App, opts *options, args []string) error {
	if opts.product == "" {
		return errors.New("--product is required")
	}
	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	f, err := a.Service.Upload(ctx, file, filepath.Base(args[0]), opts.owner, opts.product)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s as file %d (%s, %d bytes)\n", f.Filename, f.ID, f.ContentType, f.Size)
	return nil
}

func cmdProcess(ctx context.Context, a *app.App, opts *options, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid file id %q", args[0])
	}
	f, err := a.Service.ProcessProduct(ctx, id, opts.product)
	if f != nil {
		printResult(ctx, a, f)
	}
	if err != nil {
		return err
	}
	return writeOut(ctx, a, f.ID, opts.out)
}

func cmdMask(ctx context.Context, a *app.App, opts *options, args []string) error {
	if opts.product == "" {
		return errors.New("--product is required")
	}
	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	f, err := a.Service.Mask(ctx, file, filepath.Base(args[0]), opts.owner, opts.product)
	if f != nil {
		printResult(ctx, a, f)
	}
	if err != nil {
		return err
	}
	return writeOut(ctx, a, f.ID, opts.out)
}

func cmdDownload(ctx context.Context, a *app.App, opts *options, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid file id %q", args[0])
	}
	if opts.out == "" {
		return errors.New("--out is required")
	}
	return writeOut(ctx, a, id, opts.out)
}

func cmdListProducts(ctx context.Context, a *app.App, opts *options, args []string) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Product", "Rules", "File overrides", "Description"})
	for _, preset := range a.Service.ListProducts() {
		table.Append([]string{
			preset.Name,
			strconv.Itoa(len(preset.Rules)),
			strconv.Itoa(len(preset.Files)),
			preset.Description,
		})
	}
	table.Render()
	return nil
}

func cmdListFiles(ctx context.Context, a *app.App, opts *options, args []string) error {
	filter := lifecycle.Filter{Owner: opts.owner, RootsOnly: !opts.all}
	if opts.parent > 0 {
		filter.ParentID = &opts.parent
		filter.RootsOnly = false
	}
	files, err := a.Service.ListFiles(ctx, filter)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Filename", "Owner", "Product", "Type", "Status", "Size", "Done", "ETA"})
	for _, f := range files {
		table.Append([]string{
			strconv.FormatInt(f.ID, 10),
			f.Filename,
			f.Owner,
			f.Product,
			string(f.ContentType),
			string(f.Status),
			strconv.FormatInt(f.Size, 10),
			percent(f.CompletedSize, f.Size),
			fmt.Sprintf("%ds", f.TimeRemaining),
		})
	}
	table.Render()
	return nil
}

func cmdExportMap(ctx context.Context, a *app.App, opts *options, args []string) error {
	format, err := masking.ParseExportFormat(opts.format)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if opts.out != "" {
		out, err := os.Create(opts.out)
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}

	rows, err := a.Service.ExportMapping(ctx, format, w)
	if err != nil {
		return err
	}
	if opts.out != "" {
		fmt.Printf("Exported %d mappings to %s\n", rows, opts.out)
	}
	return nil
}

func printResult(ctx context.Context, a *app.App, f *lifecycle.LogicalFile) {
	fmt.Printf("File %d: %s\n", f.ID, f.Status)
	fmt.Printf("  Filename:  %s\n", f.Filename)
	fmt.Printf("  Size:      %d bytes\n", f.Size)
	fmt.Printf("  Checksum:  %s\n", f.Checksum)
	if f.Error != "" {
		fmt.Printf("  Error:     %s\n", f.Error)
	}
	if f.ContentType != blob.TypeArchive {
		return
	}
	children, err := a.Service.ListFiles(ctx, lifecycle.Filter{ParentID: &f.ID})
	if err != nil {
		return
	}
	for _, child := range children {
		fmt.Printf("  - [%s] %s (%d bytes)\n", child.Status, child.Filename, child.Size)
	}
}

func writeOut(ctx context.Context, a *app.App, id int64, path string) error {
	if path == "" {
		return nil
	}
	content, _, err := a.Service.Content(ctx, id)
	if err != nil {
		return err
	}
	defer content.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, content); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func percent(done, total int64) string {
	if total <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", float64(done)/float64(total)*100)
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "local"
}
