package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/util"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
)

func statusCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show federation counters from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := db.Open(conf.Conf.DatabasePath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.ReadStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(conf, stats))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

func renderStatus(conf *util.AppConfig, stats *db.Stats) string {
	federation := "enabled"
	if !conf.Federation.Enabled {
		federation = warnStyle.Render("disabled")
	}

	rows := [][]string{
		{"Local actors", strconv.Itoa(stats.LocalActors)},
		{"Remote actors", strconv.Itoa(stats.RemoteActors)},
		{"Objects", strconv.Itoa(stats.Objects)},
		{"Accepted follows", strconv.Itoa(stats.Follows)},
		{"Inbound activities", strconv.Itoa(stats.InboundActivities)},
		{"Outbound activities", strconv.Itoa(stats.OutboundActivites)},
		{"Pending deliveries", strconv.Itoa(stats.PendingDeliveries)},
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Counter", "Value").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return labelStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
		})

	header := titleStyle.Render(util.GetNameAndVersion()) + "  " +
		labelStyle.Render(conf.Domain()) + "  federation " + federation
	return lipgloss.JoinVertical(lipgloss.Left, header, t.Render())
}
