// OmniaPi history CLI.
// Provides read-only command-line access to a gateway's OTA audit log and
// command correlation store, adapted from a SQLite-inspection CLI shape
// (cobra subcommands, tabwriter tables, a safety-limited raw-query escape
// hatch) over the otahistory schema instead of a device-telemetry one.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "omniapi-history",
		Short: "OmniaPi gateway history CLI",
		Long:  "Command-line tool for inspecting a gateway's OTA audit log and relay command correlation store.",
	}

	otaCmd = &cobra.Command{
		Use:   "ota [mac]",
		Short: "Show OTA history entries",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showOtaHistory,
	}

	commandsCmd = &cobra.Command{
		Use:   "commands",
		Short: "Show relay command correlation records",
		RunE:  showCommands,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show history database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw read-only SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/omniapi/history.db", "History database file path")
	otaCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	commandsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(otaCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func showOtaHistory(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var query string
	var queryArgs []interface{}
	if len(args) > 0 {
		query = `
			SELECT target_mac, started_at, finished_at, from_version, to_version, result, error_message, chunks_sent, retry_count
			FROM ota_history WHERE target_mac = ? ORDER BY id DESC LIMIT ?
		`
		queryArgs = []interface{}{args[0], limit}
	} else {
		query = `
			SELECT target_mac, started_at, finished_at, from_version, to_version, result, error_message, chunks_sent, retry_count
			FROM ota_history ORDER BY id DESC LIMIT ?
		`
		queryArgs = []interface{}{limit}
	}

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tSTARTED\tFINISHED\tFROM\tTO\tRESULT\tCHUNKS\tRETRIES\tERROR")
	fmt.Fprintln(w, "---\t-------\t--------\t----\t--\t------\t------\t-------\t-----")

	for rows.Next() {
		var mac, result string
		var errMsg sql.NullString
		var started, finished time.Time
		var fromVersion, toVersion, chunksSent, retryCount int

		if err := rows.Scan(&mac, &started, &finished, &fromVersion, &toVersion, &result, &errMsg, &chunksSent, &retryCount); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			mac, started.Format("01-02 15:04:05"), finished.Format("01-02 15:04:05"),
			versionString(fromVersion), versionString(toVersion), result, chunksSent, retryCount, errMsg.String)
	}
	w.Flush()
	return nil
}

func showCommands(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT id, target_mac, channel, action, issued_at, acked
		FROM commands ORDER BY issued_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMAC\tCHANNEL\tACTION\tISSUED\tACKED")
	fmt.Fprintln(w, "--\t---\t-------\t------\t------\t-----")

	for rows.Next() {
		var id, mac, action string
		var channel int
		var issuedAt time.Time
		var acked bool

		if err := rows.Scan(&id, &mac, &channel, &action, &issuedAt, &acked); err != nil {
			return err
		}

		ackedStr := "N"
		if acked {
			ackedStr = "Y"
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			id, mac, channel, action, issuedAt.Format("01-02 15:04:05"), ackedStr)
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("History Database Statistics")
	fmt.Println("============================")

	var otaCount, otaSuccess, otaFailed int
	db.QueryRow("SELECT COUNT(*) FROM ota_history").Scan(&otaCount)
	db.QueryRow("SELECT COUNT(*) FROM ota_history WHERE result = 'success'").Scan(&otaSuccess)
	db.QueryRow("SELECT COUNT(*) FROM ota_history WHERE result != 'success'").Scan(&otaFailed)
	fmt.Printf("OTA attempts: %d (success: %d, not success: %d)\n", otaCount, otaSuccess, otaFailed)

	var commandCount, pendingCount int
	db.QueryRow("SELECT COUNT(*) FROM commands").Scan(&commandCount)
	db.QueryRow("SELECT COUNT(*) FROM commands WHERE acked = 0").Scan(&pendingCount)
	fmt.Printf("Commands: %d (unacked: %d)\n", commandCount, pendingCount)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}

func versionString(packed int) string {
	major := (packed >> 16) & 0xFF
	minor := (packed >> 8) & 0xFF
	patch := packed & 0xFF
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}
