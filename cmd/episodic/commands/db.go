package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the job store",
	Long: sym.DB + ` db — Manage the job store

The store is SQLite by default (database.path) or PostgreSQL when
database.driver = "postgres". Every command applies pending migrations first.

Examples:
  episodic db migrate              # Apply pending migrations
  episodic db status               # Applied migrations and job counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()
		pterm.Success.Printf("%s %s store is up to date\n", sym.DB, st.dialect)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied migrations and job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		versions, err := db.AppliedVersions(st.conn)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Printf("%s %s store", sym.DB, st.dialect)
		items := make([]pterm.BulletListItem, len(versions))
		for i, v := range versions {
			items[i] = pterm.BulletListItem{Level: 0, Text: v}
		}
		if err := pterm.DefaultBulletList.WithItems(items).Render(); err != nil {
			return err
		}
		return runJobsStats(cmd, args)
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}
