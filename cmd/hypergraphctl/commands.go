package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	hgapi "hypergraph/pkg/hypergraph"
)

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build the configured graph and print its shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			b, err := client.Build(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			snap := b.Snapshot()
			if jsonOutput(cmd) {
				return writeJSON(cmd, snap)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "brain=%s regions=%d neurons=%s synapses=%s\n",
				snap.ID, len(snap.Regions), humanize.Comma(int64(snap.Neurons)), humanize.Comma(int64(snap.Synapses)))
			for _, r := range snap.Regions {
				fmt.Fprintf(out, "region id=%d name=%s type=%s pattern=%s neurons=%d intra=%d inter=%d\n",
					r.ID, r.Name, r.Type, r.Pattern, r.Neurons, r.IntraSynapses, r.InterSynapses)
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the configured graph and tick it",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			ticks, _ := cmd.Flags().GetInt("ticks")
			stimulusRegion, _ := cmd.Flags().GetString("stimulus-region")
			stimulus, _ := cmd.Flags().GetFloat64("stimulus")
			reward, _ := cmd.Flags().GetFloat64("reward")
			learning, _ := cmd.Flags().GetBool("learning")
			checkpoint, _ := cmd.Flags().GetString("checkpoint")
			description, _ := cmd.Flags().GetString("description")
			artifactsDir, _ := cmd.Flags().GetString("artifacts-dir")
			if cmd.Flags().Changed("learning") {
				cfg.Simulation.Learning = learning
			}

			summary, err := client.Run(cmd.Context(), hgapi.RunRequest{
				Config:         cfg,
				Ticks:          ticks,
				StimulusRegion: stimulusRegion,
				Stimulus:       stimulus,
				Reward:         reward,
				Checkpoint:     checkpoint,
				Description:    description,
				ArtifactsDir:   artifactsDir,
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, summary)
			}
			out := cmd.OutOrStdout()
			snap := summary.Snapshot
			fmt.Fprintf(out, "run brain=%s ticks=%d spikes=%s elapsed=%s\n",
				summary.BrainID, summary.Ticks, humanize.Comma(int64(summary.Spikes)), summary.Elapsed.Round(time.Millisecond))
			fmt.Fprintf(out, "neurons=%s synapses=%s mean_weight=%.4f skipped_integrations=%d skipped_propagations=%d rejected=%d clipped=%d damped=%d\n",
				humanize.Comma(int64(snap.Neurons)), humanize.Comma(int64(snap.Synapses)), snap.MeanWeight,
				snap.SkippedIntegrations, snap.SkippedPropagations, snap.RejectedUpdates, snap.ClippedUpdates, snap.DampedUpdates)
			if summary.Checkpoint != nil {
				fmt.Fprintf(out, "checkpoint name=%s size=%s\n",
					summary.Checkpoint.Name, humanize.Bytes(uint64(summary.Checkpoint.SizeBytes)))
			}
			if summary.RunDir != "" {
				fmt.Fprintf(out, "run_id=%s artifacts=%s\n", summary.RunID, filepath.Clean(summary.RunDir))
			}
			return nil
		},
	}
	cmd.Flags().Int("ticks", 0, "number of ticks (default from config)")
	cmd.Flags().String("stimulus-region", "", "region whose neurons receive stimulus every tick")
	cmd.Flags().Float64("stimulus", 1.0, "activation added to each stimulated neuron per tick")
	cmd.Flags().Float64("reward", 0, "reward applied to eligibility traces after every tick")
	cmd.Flags().Bool("learning", false, "enable plasticity (default from config)")
	cmd.Flags().String("checkpoint", "", "save a checkpoint with this name after the run")
	cmd.Flags().String("description", "", "checkpoint description")
	cmd.Flags().String("artifacts-dir", "", "write run artifacts and index under this directory")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, or export one with --export",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("artifacts-dir")
			limit, _ := cmd.Flags().GetInt("limit")
			exportID, _ := cmd.Flags().GetString("export")
			outDir, _ := cmd.Flags().GetString("out")

			if exportID != "" {
				exported, err := hgapi.ExportRun(dir, exportID, outDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to=%s\n", exportID, filepath.Clean(exported))
				return nil
			}

			entries, err := hgapi.Runs(dir, limit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "run_id=%s created_at=%s ticks=%d neurons=%s synapses=%s spikes=%s mean_weight=%.4f learning=%t\n",
					e.RunID, e.CreatedAtUTC, e.Ticks, humanize.Comma(int64(e.Neurons)), humanize.Comma(int64(e.Synapses)),
					humanize.Comma(int64(e.Spikes)), e.MeanWeight, e.Learning)
			}
			return nil
		},
	}
	cmd.Flags().String("artifacts-dir", defaultRunsDir, "run artifacts directory")
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	cmd.Flags().String("export", "", "run id to export")
	cmd.Flags().String("out", "exports", "export output directory")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			infos, err := client.Checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, infos)
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "no checkpoints")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(out, "name=%s version=%d created=%s regions=%d neurons=%s synapses=%s size=%s\n",
					info.Name, info.Meta.FormatVersion, humanize.Time(info.Meta.CreatedAt),
					info.Regions, humanize.Comma(int64(info.Neurons)), humanize.Comma(int64(info.Synapses)),
					humanize.Bytes(uint64(info.SizeBytes)))
			}
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Short: "Show the contents of a stored checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, summary)
			}
			out := cmd.OutOrStdout()
			meta := summary.Info.Meta
			fmt.Fprintf(out, "checkpoint name=%s version=%d created_at=%s created_by=%s size=%s\n",
				summary.Info.Name, meta.FormatVersion, meta.CreatedAt.Format(time.RFC3339), meta.CreatedBy,
				humanize.Bytes(uint64(summary.Info.SizeBytes)))
			if meta.Description != "" {
				fmt.Fprintf(out, "description=%q\n", meta.Description)
			}
			for _, r := range summary.Regions {
				fmt.Fprintf(out, "region id=%d name=%s type=%s pattern=%s neurons=%d\n", r.ID, r.Name, r.Type, r.Pattern, r.Neurons)
			}
			fmt.Fprintf(out, "synapses=%s weight_min=%.4f weight_mean=%.4f weight_max=%.4f fire_count=%s\n",
				humanize.Comma(int64(summary.Synapses)), summary.MinWeight, summary.MeanWeight, summary.MaxWeight,
				humanize.Comma(int64(summary.FireCount)))
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Write a stored checkpoint to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")
			graphOnly, _ := cmd.Flags().GetBool("graph-only")
			if outPath == "" {
				return errors.New("export requires --out")
			}
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			n, err := client.Export(cmd.Context(), hgapi.ExportRequest{Name: args[0], Path: outPath, GraphOnly: graphOnly})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]any{"name": args[0], "path": outPath, "bytes": n, "graph_only": graphOnly})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported name=%s to=%s size=%s\n", args[0], filepath.Clean(outPath), humanize.Bytes(uint64(n)))
			return nil
		},
	}
	cmd.Flags().String("out", "", "output file path")
	cmd.Flags().Bool("graph-only", false, "write the bare graph instead of the versioned container")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a checkpoint file and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			info, err := client.Import(cmd.Context(), hgapi.ImportRequest{Path: args[0], Name: name})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported name=%s regions=%d neurons=%s synapses=%s size=%s\n",
				info.Name, info.Regions, humanize.Comma(int64(info.Neurons)), humanize.Comma(int64(info.Synapses)),
				humanize.Bytes(uint64(info.SizeBytes)))
			return nil
		},
	}
	cmd.Flags().String("name", "", "checkpoint name (default: random)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			deleted, err := client.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("checkpoint not found: %s", args[0])
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]any{"name": args[0], "deleted": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted name=%s\n", args[0])
			return nil
		},
	}
}

func newVirtualCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "virtual",
		Short: "List procedural edges of one presynaptic neuron",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetUint64("seed")
			probability, _ := cmd.Flags().GetFloat64("probability")
			pre, _ := cmd.Flags().GetUint64("pre")
			postStart, _ := cmd.Flags().GetUint64("post-start")
			postEnd, _ := cmd.Flags().GetUint64("post-end")
			limit, _ := cmd.Flags().GetInt("limit")

			edges, err := hgapi.Virtual(hgapi.VirtualRequest{
				Seed:        seed,
				Probability: probability,
				Pre:         pre,
				PostStart:   postStart,
				PostEnd:     postEnd,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, edges)
			}
			out := cmd.OutOrStdout()
			for _, e := range edges {
				fmt.Fprintf(out, "edge pre=%d post=%d weight=%.6f delay=%.3f\n", e.Pre, e.Post, e.Weight, e.Delay)
			}
			fmt.Fprintf(out, "edges=%d\n", len(edges))
			return nil
		},
	}
	cmd.Flags().Uint64("seed", 42, "procedural seed")
	cmd.Flags().Float64("probability", 0.1, "connection probability")
	cmd.Flags().Uint64("pre", 0, "presynaptic neuron id")
	cmd.Flags().Uint64("post-start", 0, "first postsynaptic id (inclusive)")
	cmd.Flags().Uint64("post-end", 100, "last postsynaptic id (exclusive)")
	cmd.Flags().Int("limit", 0, "stop after this many edges (0 = all)")
	return cmd
}
