package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/job"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		file   string
		req    job.Request
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a chapter for conversion",
		Long:  "Submit reads chapter text from --file (or stdin when omitted or \"-\") and queues a conversion job.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, file)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("no text to convert")
			}
			req.Text = text
			if req.Name == "" && file != "" && file != "-" {
				req.Name = file
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			id, err := client.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if ctx.jsonOut && !follow {
				return writeJSON(cmd, map[string]string{"job_id": id})
			}
			if !ctx.jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%s of text)\n", id, humanize.Bytes(uint64(len(text))))
			}
			if !follow {
				return nil
			}
			return followJob(cmd, ctx, client, id, 0)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Text file to convert (default stdin)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name for the job")
	cmd.Flags().StringVarP(&req.Engine, "engine", "e", "", "Engine to synthesize with (default: daemon default)")
	cmd.Flags().StringVarP(&req.Voice, "voice", "v", "", "Voice name or weighted mix such as af_heart*0.7+am_adam*0.3")
	cmd.Flags().Float64Var(&req.Speed, "speed", 0, "Speech rate multiplier (default 1.0)")
	cmd.Flags().StringVar(&req.SplitPattern, "split", "", "Split hint pattern forwarded to the engine")
	cmd.Flags().IntVar(&req.MaxWords, "max-words", 0, "Maximum words per chunk")
	cmd.Flags().StringVar(&req.ReferenceAudio, "reference", "", "Reference audio path for cloning engines")
	cmd.Flags().StringVar(&req.Granularity, "granularity", "", "Subtitle granularity: line, sentence or words")
	cmd.Flags().IntVar(&req.WordsPerCue, "words-per-cue", 0, "Words per cue when granularity is words")
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream job events until it finishes")

	return cmd
}

func readText(cmd *cobra.Command, file string) (string, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return string(data), nil
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			info, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOut {
				return writeJSON(cmd, info)
			}
			printJobDetail(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func printJobDetail(out io.Writer, info job.Info) {
	rows := [][]string{
		{"ID", info.ID},
		{"Name", info.Name},
		{"Engine", info.Engine},
		{"Voice", info.Voice},
		{"Status", string(info.Status)},
		{"Progress", fmt.Sprintf("%.1f%% (%d/%d chunks)", info.Progress, info.ChunksDone, info.ChunksTotal)},
		{"Audio", fmt.Sprintf("%.2fs", info.CumulativeSeconds)},
		{"Created", humanize.Time(info.CreatedAt)},
	}
	if info.FinishedAt != nil {
		rows = append(rows, []string{"Finished", humanize.Time(*info.FinishedAt)})
	}
	if info.Error != nil {
		rows = append(rows, []string{"Error", fmt.Sprintf("%s: %s", info.Error.Kind, info.Error.Message)})
	}
	for _, path := range info.Outputs {
		rows = append(rows, []string{"Output", path})
	}
	fmt.Fprint(out, renderTable([]string{"Field", "Value"}, rows, nil))
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.List(cmd.Context(), status)
			if err != nil {
				return err
			}
			if ctx.jsonOut {
				return writeJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					j.ID,
					j.Name,
					j.Engine,
					string(j.Status),
					fmt.Sprintf("%.0f%%", j.Progress),
					humanize.Time(j.CreatedAt),
				})
			}
			headers := []string{"ID", "Name", "Engine", "Status", "Progress", "Created"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show jobs in this status")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			info, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOut {
				return writeJSON(cmd, info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s (status %s)\n", info.ID, info.Status)
			return nil
		},
	}
}

func newFollowCommand(ctx *commandContext) *cobra.Command {
	var from uint64

	cmd := &cobra.Command{
		Use:   "follow <job-id>",
		Short: "Stream a job's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			return followJob(cmd, ctx, client, args[0], from)
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "Replay events after this sequence number")
	return cmd
}

// followJob prints events and fails when the job does not complete.
func followJob(cmd *cobra.Command, ctx *commandContext, client *apiClient, id string, from uint64) error {
	out := cmd.OutOrStdout()
	terminal, err := client.Follow(cmd.Context(), id, from, func(evt events.Event) {
		if ctx.jsonOut {
			_ = writeJSON(cmd, evt)
			return
		}
		if evt.Kind == events.KindInit {
			return
		}
		fmt.Fprintf(out, "%4d %s\n", evt.Seq, evt.String())
	})
	if err != nil {
		return err
	}
	if terminal.Status != string(job.Completed) {
		return fmt.Errorf("job %s %s", id, terminal.Status)
	}
	return nil
}

func newEnginesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List synthesis engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			entries, err := client.Engines(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOut {
				return writeJSON(cmd, entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				def := ""
				if e.Default {
					def = "*"
				}
				rows = append(rows, []string{e.Name, e.DisplayName, def, e.Description})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Name", "Display Name", "Default", "Description"}, rows, nil))
			return nil
		},
	}
}

func newVoicesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "voices <engine>",
		Short: "List an engine's voices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			reply, err := client.Voices(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOut {
				return writeJSON(cmd, reply)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Engine %s: mixing=%s reference_audio=%s sample_rate=%s\n",
				reply.Engine,
				strconv.FormatBool(reply.SupportsVoiceMixing),
				strconv.FormatBool(reply.RequiresReferenceAudio),
				humanize.Comma(int64(reply.SampleRate)),
			)
			rows := make([][]string, 0, len(reply.Voices))
			for _, v := range reply.Voices {
				rows = append(rows, []string{v})
			}
			fmt.Fprint(out, renderTable([]string{"Voice"}, rows, nil))
			return nil
		},
	}
}
