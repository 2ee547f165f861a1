package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/outofforest/ftl"
	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/pkg/blockmap"
)

func newFormatCommand(opts *options) *cobra.Command {
	var create bool

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Erase the image and start an empty log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(create, true)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), s.engine)
			return s.Close()
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create new image file")
	return cmd
}

func newInfoCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print geometry and state of the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(s *session) error {
				out := cmd.OutOrStdout()
				g := s.engine.Geometry()
				fmt.Fprintf(out, "geometry:    %d+%d bytes per page, %d pages per block, %d blocks\n",
					g.PageDataSize, g.SpareSize, g.PagesPerBlock, g.Blocks)
				fmt.Fprintf(out, "sectors:     %d\n", s.engine.SectorCount())
				printStats(out, s.engine)
				counts := blockmap.Count(s.engine.BlockMap())
				fmt.Fprintf(out, "blocks:      %d free, %d used, %d bad\n",
					counts[blocks.FreeBlockState],
					counts[blocks.UsedBlockState]+counts[blocks.HeadBlockState]+counts[blocks.TailBlockState],
					counts[blocks.BadBlockState])
				fmt.Fprintf(out, "bad blocks:  %v\n", s.engine.BadBlocks())
				return nil
			})
		},
	}
}

func newWriteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "write <sector> [file]",
		Short: "Write the content of the file (or stdin) to the sector",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[0])
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 2 {
				data, err = os.ReadFile(args[1])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return errors.WithStack(err)
			}

			return opts.run(func(s *session) error {
				size := s.engine.Geometry().PageDataSize
				if len(data) > size {
					return errors.Errorf("data size %d exceeds page data size %d", len(data), size)
				}
				page := bytes.Repeat([]byte{0xFF}, size)
				copy(page, data)

				err := s.engine.Write(sector, page)
				if errors.Is(err, ftl.ErrDeviceFull) {
					if err := s.engine.Defragment(); err != nil {
						return err
					}
					err = s.engine.Write(sector, page)
				}
				if err != nil {
					return err
				}
				if s.engine.IsDefragmentNeeded() {
					if err := s.engine.Defragment(); err != nil {
						return err
					}
				}

				fmt.Fprintf(cmd.OutOrStdout(), "sector %d written, %d bytes\n", sector, len(data))
				return nil
			})
		},
	}
}

func newReadCommand(opts *options) *cobra.Command {
	var (
		offset int
		length int
		out    string
		dump   bool
	)

	cmd := &cobra.Command{
		Use:   "read <sector>",
		Short: "Read the content of the sector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[0])
			if err != nil {
				return err
			}

			return opts.run(func(s *session) error {
				size := length
				if size < 0 {
					size = s.engine.Geometry().PageDataSize - offset
				}
				if size < 0 {
					size = 0
				}
				p := make([]byte, size)
				if err := s.engine.Read(sector, offset, p); err != nil {
					return err
				}

				switch {
				case out != "":
					return errors.WithStack(os.WriteFile(out, p, 0o600))
				case dump:
					_, err := io.WriteString(cmd.OutOrStdout(), hex.Dump(p))
					return errors.WithStack(err)
				default:
					_, err := cmd.OutOrStdout().Write(p)
					return errors.WithStack(err)
				}
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "offset within the sector")
	cmd.Flags().IntVar(&length, "length", -1, "number of bytes to read, whole sector by default")
	cmd.Flags().StringVar(&out, "out", "", "file to store the data in")
	cmd.Flags().BoolVar(&dump, "hex", false, "print hex dump")
	return cmd
}

func newReleaseCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "release <sector>",
		Short: "Unmap the sector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[0])
			if err != nil {
				return err
			}
			return opts.run(func(s *session) error {
				if err := s.engine.Release(sector); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sector %d released\n", sector)
				return nil
			})
		},
	}
}

func newDefragCommand(opts *options) *cobra.Command {
	var withUI bool

	cmd := &cobra.Command{
		Use:   "defrag",
		Short: "Reclaim the space occupied by stale pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(s *session) error {
				if withUI {
					return defragWithUI(s.engine)
				}

				var blocksProcessed, relocated int
				err := s.engine.DefragmentWithProgress(func(event ftl.DefragProgress) {
					blocksProcessed++
					relocated += event.Relocated
				})
				fmt.Fprintf(cmd.OutOrStdout(), "blocks processed: %d, pages relocated: %d\n", blocksProcessed, relocated)
				printStats(cmd.OutOrStdout(), s.engine)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&withUI, "ui", false, "present progress in full-screen view")
	return cmd
}

func defragWithUI(engine *ftl.Engine) error {
	ui, err := blockmap.NewUI()
	if err != nil {
		return err
	}
	defer ui.Close()

	ui.SetTitle(" FTL DEFRAGMENTATION ")
	ui.SetLegend(blockmap.Legend())
	update := func(states []blocks.BlockState, status string) {
		stats := engine.Stats()
		ui.SetSummaryLines([]string{
			fmt.Sprintf("free pages: %d  used pages: %d  bad blocks: %d",
				stats.FreePages, stats.UsedPages, stats.BadBlocks),
		})
		ui.SetMap(blockmap.Render(states, ui.MapWidth()))
		ui.SetStatusLines([]string{status})
		ui.Draw()
	}

	update(engine.BlockMap(), "starting")
	err = engine.DefragmentWithProgress(func(event ftl.DefragProgress) {
		update(event.BlockMap, fmt.Sprintf("block %d: %d pages relocated", event.Block, event.Relocated))
	})

	status := "finished, press q to quit"
	if err != nil {
		status = fmt.Sprintf("failed: %s", err)
	}
	update(engine.BlockMap(), status)
	ui.Wait(time.Minute)
	return err
}

func newAuditCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Verify checksums of all the sectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(s *session) error {
				report, err := s.engine.AuditLog()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "sectors checked: %d\n", report.Checked)
				for _, c := range report.Corruptions {
					fmt.Fprintf(out, "corrupted sector %d in page %d\n", c.Sector, c.Page)
				}
				if len(report.Corruptions) > 0 {
					err = multierr.Append(err, errors.Errorf("%d corrupted sectors found", len(report.Corruptions)))
				}
				return err
			})
		},
	}
}

func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <sector>",
		Short: "Verify checksum of the sector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[0])
			if err != nil {
				return err
			}
			return opts.run(func(s *session) error {
				if err := s.engine.CheckSector(sector); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sector %d ok\n", sector)
				return nil
			})
		},
	}
}

func newMapCommand(opts *options) *cobra.Command {
	var width int

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Print the map of blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(s *session) error {
				out := cmd.OutOrStdout()
				for _, line := range blockmap.Render(s.engine.BlockMap(), width) {
					fmt.Fprintln(out, line)
				}
				for _, line := range blockmap.Legend() {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&width, "width", 64, "number of blocks per line")
	return cmd
}

func printStats(out io.Writer, engine *ftl.Engine) {
	stats := engine.Stats()
	fmt.Fprintf(out, "head:        %d\n", stats.Head)
	fmt.Fprintf(out, "tail:        %d\n", stats.Tail)
	fmt.Fprintf(out, "free pages:  %d\n", stats.FreePages)
	fmt.Fprintf(out, "used pages:  %d\n", stats.UsedPages)
	fmt.Fprintf(out, "defragment:  %t\n", stats.DefragmentNeeded)
}
