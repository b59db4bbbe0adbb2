package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pg-sharding/lyx/lyx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pg-sharding/mcopy/pkg/config"
	"github.com/pg-sharding/mcopy/pkg/coordinator"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/frameio"
)

var (
	copyFile      string
	copyProgram   string
	onSegment     bool
	rejectLimit   int
	rejectPercent bool
	logErrors     bool
)

var loadCmd = &cobra.Command{
	Use:   "load <copy statement>",
	Short: "run COPY FROM across the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCopy(args[0], dialect.DirectionLoad)
	},
}

var unloadCmd = &cobra.Command{
	Use:   "unload <copy statement>",
	Short: "run COPY TO across the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCopy(args[0], dialect.DirectionUnload)
	},
}

func init() {
	for _, c := range []*cobra.Command{loadCmd, unloadCmd} {
		c.Flags().StringVar(&copyFile, "file", "", "copy file instead of stdin/stdout; <SEGID> expands per segment with --on-segment")
		c.Flags().StringVar(&copyProgram, "program", "", "copy through a program's stdin/stdout instead of a file")
		c.Flags().BoolVar(&onSegment, "on-segment", false, "each segment reads or writes its own file or program")
	}
	loadCmd.Flags().IntVar(&rejectLimit, "reject-limit", 0, "tolerate up to this many malformed rows")
	loadCmd.Flags().BoolVar(&rejectPercent, "reject-percent", false, "treat the reject limit as a percentage")
	loadCmd.Flags().BoolVar(&logErrors, "log-errors", false, "persist rejected rows in the segment error logs")
}

func runCopy(query string, dir dialect.Direction) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	if len(cfg.Segments) == 0 {
		return fmt.Errorf("no segments configured")
	}
	cat, err := newCatalog(cfg)
	if err != nil {
		return err
	}

	st, err := planStatement(cat, query, dir)
	if err != nil {
		return err
	}
	cmd, err := coordinator.NewCommand(cfg, st, cat, cat, nil)
	if err != nil {
		return err
	}

	var sum *coordinator.Summary
	if dir == dialect.DirectionLoad {
		var src frameio.Peer
		if !st.D.OnSegment {
			if src, err = openClientPeer(cfg, frameio.ModeRead); err != nil {
				return err
			}
			defer func() {
				_ = src.Close()
			}()
		}
		sum, err = cmd.RunLoad(ctx, src)
	} else {
		var dst frameio.Peer
		if !st.D.OnSegment {
			if dst, err = openClientPeer(cfg, frameio.ModeWrite); err != nil {
				return err
			}
			defer func() {
				_ = dst.Close()
			}()
		}
		sum, err = cmd.RunUnload(ctx, dst)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "COPY %d\n", sum.Processed)
	return nil
}

// planStatement parses the client statement and freezes it together with
// the command-line options into a resolved coordinator statement.
func planStatement(cat *catalog, query string, dir dialect.Direction) (*coordinator.Stmt, error) {
	node, err := lyx.Parse(query)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse copy statement")
	}
	cs, ok := node.(*lyx.Copy)
	if !ok {
		return nil, fmt.Errorf("only COPY statements are supported")
	}

	var relname string
	switch q := cs.TableRef.(type) {
	case *lyx.RangeVar:
		relname = q.RelationName
		if q.SchemaName != "" {
			relname = q.SchemaName + "." + relname
		}
	default:
		return nil, fmt.Errorf("unsupported COPY target")
	}
	rel, err := cat.RelationByName(relname)
	if err != nil {
		return nil, err
	}

	var opts []dialect.Option
	for _, o := range cs.Options {
		opt, ok := o.(*lyx.Option)
		if !ok {
			continue
		}
		name := strings.ToLower(opt.Name)
		arg := optionArg(opt.Arg)
		if name == "format" {
			/* modern syntax folds the mode into FORMAT */
			switch strings.ToLower(arg) {
			case "csv":
				opts = append(opts, dialect.Option{Name: "csv"})
			case "binary":
				opts = append(opts, dialect.Option{Name: "binary"})
			case "text", "":
			default:
				return nil, fmt.Errorf("unknown COPY format %q", arg)
			}
			continue
		}
		opts = append(opts, dialect.Option{Name: name, Arg: arg})
	}

	if onSegment {
		if copyFile == "" && copyProgram == "" {
			return nil, fmt.Errorf("--on-segment requires --file or --program")
		}
		opts = append(opts, dialect.Option{Name: "on_segment"})
	}
	if rejectLimit > 0 {
		opts = append(opts, dialect.Option{Name: "reject_limit", Arg: strconv.Itoa(rejectLimit)})
		if rejectPercent {
			opts = append(opts, dialect.Option{Name: "reject_limit_kind", Arg: "percent"})
		}
	}
	if logErrors {
		opts = append(opts, dialect.Option{Name: "log_errors"})
	}

	cols := cs.Columns
	if len(cols) == 0 {
		cols = rel.ActiveColumns()
	}
	d, err := dialect.Parse(dir, cols, opts, false)
	if err != nil {
		return nil, err
	}

	return &coordinator.Stmt{
		Rel:      rel,
		Columns:  cs.Columns,
		D:        d,
		Filename: copyFile,
		Program:  copyProgram,
		XID:      uuid.NewString(),
	}, nil
}

func optionArg(arg lyx.Node) string {
	switch v := arg.(type) {
	case *lyx.AExprSConst:
		return v.Value
	case *lyx.AExprIConst:
		return strconv.Itoa(v.Value)
	default:
		return ""
	}
}

// openClientPeer is the coordinator-local end of a streamed copy: a file,
// a program, or the standard streams.
func openClientPeer(cfg *config.McopyConfig, mode frameio.OpenMode) (frameio.Peer, error) {
	if copyProgram != "" {
		return frameio.OpenProgram(copyProgram, mode, nil)
	}
	if copyFile != "" {
		return frameio.OpenFile(copyFile, mode, cfg.FileBufSize)
	}
	if mode == frameio.ModeRead {
		return frameio.NewLegacyPeer(os.Stdin), nil
	}
	return frameio.NewLegacyPeer(os.Stdout), nil
}
